package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"

	"go.viam.com/targetfusion/config"
	"go.viam.com/targetfusion/logging"
	"go.viam.com/targetfusion/ros"
	"go.viam.com/targetfusion/services/targettracker"
)

const rigConfig = `{
	"tracker": {"person_name": "Alice"},
	"frames": [
		{"parent": "base_plate", "child": "camera_link", "translation": {"x": 0.1, "z": 0.2}},
		{"parent": "camera_link", "child": "camera_color_frame", "translation": {"y": 0.015}}
	],
	"log": {"level": "warn"}
}`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rig.json")
	test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)
	return path
}

func TestLoadConfigOverrides(t *testing.T) {
	logger := logging.NewTestLogger(t)
	path := writeConfig(t, rigConfig)

	cfg, err := loadConfig(context.Background(), Arguments{ConfigFile: path}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Tracker.PersonName, test.ShouldEqual, "Alice")
	test.That(t, cfg.Web.Bind, test.ShouldEqual, config.DefaultBindAddress)
	test.That(t, cfg.Source, test.ShouldBeNil)

	cfg, err = loadConfig(context.Background(), Arguments{
		ConfigFile: path,
		Target:     "Bob",
		Bind:       "127.0.0.1:0",
		Bag:        "walk.bag",
		Realtime:   true,
		WebProfile: true,
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Tracker.PersonName, test.ShouldEqual, "Bob")
	test.That(t, cfg.Web, test.ShouldResemble, config.WebConfig{Bind: "127.0.0.1:0", Pprof: true})
	replay, err := cfg.Source.Replay()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, replay, test.ShouldResemble, &ros.ReplayConfig{Path: "walk.bag", Realtime: true})

	cfg, err = loadConfig(context.Background(), Arguments{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Tracker.PersonName, test.ShouldEqual, targettracker.DefaultPersonName)

	_, err = loadConfig(context.Background(), Arguments{ConfigFile: writeConfig(t, `{"tracker": {"workers": -1}}`)}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestConfigureLogging(t *testing.T) {
	logger := logging.NewTestLogger(t)

	closer, err := configureLogging(logger, config.LogConfig{Level: logging.WARN}, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, logger.GetLevel(), test.ShouldEqual, logging.WARN)
	test.That(t, closer(), test.ShouldBeNil)

	_, err = configureLogging(logger, config.LogConfig{Level: logging.WARN}, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, logger.GetLevel(), test.ShouldEqual, logging.DEBUG)

	logFile := filepath.Join(t.TempDir(), "node.log")
	closer, err = configureLogging(logger, config.LogConfig{Level: logging.INFO, File: logFile}, false)
	test.That(t, err, test.ShouldBeNil)
	logger.Warnw("written to file", "frame", "person_link")
	test.That(t, logger.Sync(), test.ShouldBeNil)
	test.That(t, closer(), test.ShouldBeNil)

	contents, err := os.ReadFile(logFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(contents), test.ShouldContainSubstring, "written to file")
	test.That(t, string(contents), test.ShouldContainSubstring, "person_link")
}

func TestNewTreeSeedsStaticFrames(t *testing.T) {
	cfg, err := config.FromReader(context.Background(), "rig.json",
		strings.NewReader(rigConfig), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	tree, err := newTree(cfg, clock.NewMock())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Frames(), test.ShouldResemble, []string{"base_plate", "camera_color_frame", "camera_link"})
	test.That(t, tree.CanTransform("camera_color_frame", "camera_link", time.Time{}), test.ShouldBeTrue)
}

func TestServeWeb(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg, err := config.FromReader(context.Background(), "rig.json", strings.NewReader(rigConfig), logger)
	test.That(t, err, test.ShouldBeNil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveWeb(ctx, cfg, listener, clock.NewMock(), logger)
	}()

	url := "http://" + listener.Addr().String()
	resp, err := http.Get(url + "/status")
	test.That(t, err, test.ShouldBeNil)
	var st targettracker.Status
	test.That(t, json.NewDecoder(resp.Body).Decode(&st), test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, st.TargetName, test.ShouldEqual, "Alice")
	test.That(t, st.Found, test.ShouldBeFalse)

	resp, err = http.Get(url + "/tf/base_plate/camera_color_frame")
	test.That(t, err, test.ShouldBeNil)
	var msg targettracker.TransformMessage
	test.That(t, json.NewDecoder(resp.Body).Decode(&msg), test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, msg.Translation.X, test.ShouldAlmostEqual, 0.1)
	test.That(t, msg.Translation.Y, test.ShouldAlmostEqual, 0.015)
	test.That(t, msg.Translation.Z, test.ShouldAlmostEqual, 0.2)

	cancel()
	select {
	case err := <-done:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServeWebMissingBag(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg, err := loadConfig(context.Background(), Arguments{Bag: filepath.Join(t.TempDir(), "missing.bag")}, logger)
	test.That(t, err, test.ShouldBeNil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	err = serveWeb(context.Background(), cfg, listener, clock.NewMock(), logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unable to open input file")
}

func TestApplyConfig(t *testing.T) {
	logger := logging.NewTestLogger(t)
	logger.SetLevel(logging.WARN)
	ctx := context.Background()

	current, err := config.FromReader(ctx, "rig.json", strings.NewReader(rigConfig), logger)
	test.That(t, err, test.ShouldBeNil)
	tree, err := newTree(current, clock.NewMock())
	test.That(t, err, test.ShouldBeNil)
	svc, err := targettracker.New(ctx, current.Tracker, tree, clock.NewMock(), logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, svc.Close(ctx), test.ShouldBeNil)
	}()

	next, err := config.FromReader(ctx, "rig.json", strings.NewReader(`{
		"tracker": {"person_name": "Bob", "workers": 4},
		"log": {"level": "debug"}
	}`), logger)
	test.That(t, err, test.ShouldBeNil)

	applied, err := applyConfig(ctx, svc, current, next, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, applied.Tracker.PersonName, test.ShouldEqual, "Bob")
	test.That(t, applied.Log.Level, test.ShouldEqual, logging.DEBUG)
	test.That(t, logger.GetLevel(), test.ShouldEqual, logging.DEBUG)
	// Workers and frames need a restart.
	test.That(t, applied.Tracker.Workers, test.ShouldEqual, current.Tracker.Workers)
	test.That(t, applied.Frames, test.ShouldResemble, current.Frames)
	test.That(t, current.Tracker.PersonName, test.ShouldEqual, "Alice")

	st, err := svc.Status(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, st.TargetName, test.ShouldEqual, "Bob")

	test.That(t, svc.Close(ctx), test.ShouldBeNil)
	next.Tracker.PersonName = "Carol"
	_, err = applyConfig(ctx, svc, applied, next, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "failed to apply person_name")
}
