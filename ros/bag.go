// Package ros reads recorded ROS bags and replays their depth image and detection topics into
// the target tracker.
package ros

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/edaniels/gobag/rosbag"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// ReadBag reads the contents of a rosbag into a gobag data structure.
func ReadBag(filename string) (*rosbag.RosBag, error) {
	//nolint:gosec
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open input file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	rb := rosbag.NewRosBag()

	if err := rb.Read(f); err != nil {
		return nil, errors.Wrapf(err, "unable to create ros bag, error")
	}

	return rb, nil
}

// WriteTopicsJSON writes data from a rosbag into one JSON lines file per topic under outputDir,
// filtered by topic and by a [startSec, endSec] window. A zero bound disables the time filter.
func WriteTopicsJSON(rb *rosbag.RosBag, outputDir string, startSec, endSec int64, topicsFilter []string) error {
	if err := rb.WriteTopicsJSON(outputDir, startSec, endSec, topicsFilter); err != nil {
		return errors.Wrapf(err, "error while writing bag topics to %q", outputDir)
	}
	return nil
}

// topicKey is the key gobag files a topic's messages under.
func topicKey(topic string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(topic, "/"), "/", "_"))
}

// sameTopic reports whether two topic names refer to the same topic, with or without a leading
// slash.
func sameTopic(a, b string) bool {
	return strings.TrimPrefix(a, "/") == strings.TrimPrefix(b, "/")
}

type lineReader interface {
	ReadBytes(delim byte) ([]byte, error)
}

// AllMessagesForTopic returns the raw JSON of every message for a topic in the ros bag.
func AllMessagesForTopic(rb *rosbag.RosBag, topic string) ([]json.RawMessage, error) {
	if err := rb.ParseTopicsToJSON(
		"",
		func(int64) bool { return true },
		func(t string) bool { return sameTopic(t, topic) },
		false,
	); err != nil {
		return nil, errors.Wrapf(err, "error while parsing bag to JSON")
	}

	msgs, ok := rb.TopicsAsJSON[topicKey(topic)]
	if !ok || msgs == nil {
		return nil, errors.Errorf("no messages for topic %s", topic)
	}
	return splitMessages(msgs)
}

func splitMessages(r lineReader) ([]json.RawMessage, error) {
	all := []json.RawMessage{}
	for {
		data, err := r.ReadBytes('\n')
		if len(strings.TrimSpace(string(data))) > 0 {
			if !json.Valid(data) {
				return nil, errors.Errorf("message %d is not valid JSON", len(all))
			}
			all = append(all, json.RawMessage(data))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
	}
	return all, nil
}
