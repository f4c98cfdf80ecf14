package targettracker

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/cors"
	goutils "go.viam.com/utils"
	"goji.io"
	"goji.io/pat"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"go.viam.com/targetfusion/logging"
	"go.viam.com/targetfusion/referenceframe"
	"go.viam.com/targetfusion/rimage"
	"go.viam.com/targetfusion/spatialmath"
	"go.viam.com/targetfusion/vision/persondetection"
)

// DebugHeader turns on debug logging for a single request.
const DebugHeader = "X-Debug"

const maxBodyBytes = 32 << 20

// ServerOptions configures the HTTP surface.
type ServerOptions struct {
	Pprof bool
}

// Server exposes a Service and its transform tree over HTTP/JSON.
type Server struct {
	svc    Service
	tree   TransformTree
	logger logging.Logger
	mux    *goji.Mux
}

type personNameRequest struct {
	PersonName string `json:"person_name"`
}

type personNameResponse struct {
	SuccessName string `json:"success_name"`
}

type depthImageRequest struct {
	Stamp   time.Time `json:"stamp"`
	FrameID string    `json:"frame_id"`
	rimage.RawImage
}

// FrameMessage names a frame and its parent. Root frames have no parent.
type FrameMessage struct {
	Frame  string `json:"frame"`
	Parent string `json:"parent,omitempty"`
}

// TransformMessage is the JSON form of a stamped transform. Translation is in meters.
type TransformMessage struct {
	Parent      string           `json:"parent"`
	Child       string           `json:"child"`
	Stamp       time.Time        `json:"stamp"`
	Translation VectorConfig     `json:"translation"`
	Rotation    QuaternionConfig `json:"rotation"`
}

// NewTransformMessage converts a stamped transform for the wire.
func NewTransformMessage(tf referenceframe.StampedTransform) TransformMessage {
	return TransformMessage{
		Parent:      tf.Parent,
		Child:       tf.Child,
		Stamp:       tf.Stamp,
		Translation: VectorConfig{X: tf.Pose.Point.X, Y: tf.Pose.Point.Y, Z: tf.Pose.Point.Z},
		Rotation: QuaternionConfig{
			X: tf.Pose.Orientation.Imag,
			Y: tf.Pose.Orientation.Jmag,
			Z: tf.Pose.Orientation.Kmag,
			W: tf.Pose.Orientation.Real,
		},
	}
}

// StampedTransform converts the message back. A zero rotation is read as the identity.
func (m TransformMessage) StampedTransform() referenceframe.StampedTransform {
	return referenceframe.StampedTransform{
		Parent: m.Parent,
		Child:  m.Child,
		Stamp:  m.Stamp,
		Pose: spatialmath.NewPose(
			m.Translation.Vector(),
			spatialmath.NewQuaternion(m.Rotation.X, m.Rotation.Y, m.Rotation.Z, m.Rotation.W),
		),
	}
}

// NewServer routes requests to the service.
func NewServer(svc Service, tree TransformTree, logger logging.Logger, opts ServerOptions) *Server {
	s := &Server{svc: svc, tree: tree, logger: logger, mux: goji.NewMux()}
	s.mux.Use(s.debugMiddleware)

	s.mux.HandleFunc(pat.Post("/person_name"), s.handleSetTargetName)
	s.mux.HandleFunc(pat.Get("/target_pose"), s.handleTargetPose)
	s.mux.HandleFunc(pat.Post("/target_pose"), s.handleTargetPose)
	s.mux.HandleFunc(pat.Post("/depth_image"), s.handleDepthImage)
	s.mux.HandleFunc(pat.Post("/detections"), s.handleDetections)
	s.mux.HandleFunc(pat.Post("/tf"), s.handleInsertTransform)
	s.mux.HandleFunc(pat.Get("/tf/:parent/:child"), s.handleLookupTransform)
	s.mux.HandleFunc(pat.Get("/frames"), s.handleFrames)
	s.mux.HandleFunc(pat.Get("/status"), s.handleStatus)

	if opts.Pprof {
		s.mux.HandleFunc(pat.New("/debug/pprof/"), pprof.Index)
		s.mux.HandleFunc(pat.New("/debug/pprof/cmdline"), pprof.Cmdline)
		s.mux.HandleFunc(pat.New("/debug/pprof/profile"), pprof.Profile)
		s.mux.HandleFunc(pat.New("/debug/pprof/symbol"), pprof.Symbol)
		s.mux.HandleFunc(pat.New("/debug/pprof/trace"), pprof.Trace)
	}
	return s
}

// Handler returns the routes wrapped for cross origin and cleartext HTTP/2 clients.
func (s *Server) Handler() http.Handler {
	return h2c.NewHandler(cors.AllowAll().Handler(s.mux), &http2.Server{})
}

// Serve runs the server on `listener` until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Handler:           s.Handler(),
	}
	goutils.PanicCapturingGo(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorw("error shutting down", "error", err)
		}
	})
	s.logger.Infow("serving", "address", listener.Addr().String())
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) debugMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get(DebugHeader); key != "" {
			r = r.WithContext(logging.EnableDebugMode(r.Context(), key))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSetTargetName(w http.ResponseWriter, r *http.Request) {
	var req personNameRequest
	if !s.decode(w, r, &req) {
		return
	}
	name, err := s.svc.SetTargetName(r.Context(), req.PersonName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, personNameResponse{SuccessName: name})
}

func (s *Server) handleTargetPose(w http.ResponseWriter, r *http.Request) {
	pose, err := s.svc.TargetPose(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, pose)
}

func (s *Server) handleDepthImage(w http.ResponseWriter, r *http.Request) {
	var req depthImageRequest
	if !s.decode(w, r, &req) {
		return
	}
	frame, err := rimage.NewDepthFrameFromRaw(req.RawImage)
	if err != nil {
		s.writeError(w, r, newBadRequestError(err))
		return
	}
	frame.Stamp = req.Stamp
	frame.Frame = req.FrameID
	if err := s.svc.AddDepthFrame(r.Context(), frame); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	var set persondetection.DetectionSet
	if !s.decode(w, r, &set) {
		return
	}
	if err := s.svc.AddDetections(r.Context(), &set); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInsertTransform(w http.ResponseWriter, r *http.Request) {
	var msg TransformMessage
	if !s.decode(w, r, &msg) {
		return
	}
	if err := s.tree.Insert(msg.StampedTransform()); err != nil {
		s.writeError(w, r, newBadRequestError(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLookupTransform(w http.ResponseWriter, r *http.Request) {
	tf, err := s.tree.Lookup(pat.Param(r, "parent"), pat.Param(r, "child"), time.Time{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, NewTransformMessage(tf))
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	names := s.tree.Frames()
	frames := make([]FrameMessage, 0, len(names))
	for _, name := range names {
		parent, _ := s.tree.Parent(name)
		frames = append(frames, FrameMessage{Frame: name, Parent: parent})
	}
	s.writeJSON(w, r, http.StatusOK, frames)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, st)
}

type badRequestError struct {
	error
}

func newBadRequestError(err error) error {
	return badRequestError{err}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, newBadRequestError(errors.Wrap(err, "error reading body")))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.writeError(w, r, newBadRequestError(errors.Wrap(err, "error parsing JSON body")))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.CDebugw(r.Context(), "error writing response", "path", r.URL.Path, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var badRequest badRequestError
	switch {
	case errors.As(err, &badRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, referenceframe.ErrTransformUnavailable):
		status = http.StatusNotFound
	}
	s.logger.CDebugw(r.Context(), "request failed", "path", r.URL.Path, "status", status, "error", err)
	s.writeJSON(w, r, status, map[string]string{"error": err.Error()})
}
