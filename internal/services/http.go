package services

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
	goahttp "goa.design/goa/v3/http"
	goamiddleware "goa.design/goa/v3/middleware"
)

// Services bundles the implementations served over HTTP
type Services struct {
	Health *HealthImplementation
	Auth   *AuthImplementation
	View   *ViewImplementation
	Stream *StreamImplementation
}

// MountPoint describes one mounted endpoint
type MountPoint struct {
	Method  string
	Verb    string
	Pattern string
}

type server struct {
	mux goahttp.Muxer
	dec func(*http.Request) goahttp.Decoder
	enc func(context.Context, http.ResponseWriter) goahttp.Encoder
	log *logrus.Entry
}

// Mount registers every endpoint on mux and returns what was mounted
func Mount(mux goahttp.Muxer, svc *Services, log *logrus.Entry) []MountPoint {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &server{mux: mux, dec: goahttp.RequestDecoder, enc: goahttp.ResponseEncoder, log: log}

	var mounts []MountPoint
	handle := func(method, verb, pattern string, h http.HandlerFunc) {
		mux.Handle(verb, pattern, h)
		mounts = append(mounts, MountPoint{Method: method, Verb: verb, Pattern: pattern})
	}

	handle("Healthz", http.MethodGet, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.respond(w, r, map[string]string{"status": "ok"}, svc.Health.Healthz(r.Context()))
	})
	handle("Readyz", http.MethodGet, "/readyz", func(w http.ResponseWriter, r *http.Request) {
		err := svc.Health.Readyz(r.Context())
		if errors.Is(err, ErrNotReady) {
			s.writeError(w, r, http.StatusServiceUnavailable, err)
			return
		}
		s.respond(w, r, map[string]string{"status": "ready"}, err)
	})

	handle("Login", http.MethodPost, "/api/login", func(w http.ResponseWriter, r *http.Request) {
		var payload LoginPayload
		if err := s.dec(r).Decode(&payload); err != nil {
			s.fail(w, r, &BadRequestError{Message: "invalid login payload"})
			return
		}
		res, err := svc.Auth.Login(r.Context(), &payload)
		s.respond(w, r, res, err)
	})
	handle("AuthStatus", http.MethodGet, "/api/auth/status", func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Auth.Status(r.Context())
		s.respond(w, r, res, err)
	})

	handle("GetView", http.MethodGet, "/api/view", func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.View.Get(r.Context())
		s.respond(w, r, res, err)
	})
	handle("PressKey", http.MethodPost, "/api/view/keys/{key}", func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.View.PressKey(r.Context(), mux.Vars(r)["key"])
		s.respond(w, r, res, err)
	})
	handle("ListEvents", http.MethodGet, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if q := r.URL.Query().Get("limit"); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil || n < 0 {
				s.fail(w, r, &BadRequestError{Message: "invalid limit"})
				return
			}
			limit = n
		}
		res, err := svc.View.Events(r.Context(), limit)
		s.respond(w, r, res, err)
	})

	handle("ListStreams", http.MethodGet, "/api/streams", func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Stream.List(r.Context())
		s.respond(w, r, res, err)
	})
	handle("LatestResult", http.MethodGet, "/api/streams/{name}/latest", func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Stream.Latest(r.Context(), mux.Vars(r)["name"])
		s.respond(w, r, res, err)
	})

	return mounts
}

func (s *server) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	enc := s.enc(r.Context(), w)
	w.WriteHeader(http.StatusOK)
	if err := enc.Encode(v); err != nil {
		s.log.WithError(err).Error("encode response")
	}
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	var sc statusCoder
	if errors.As(err, &sc) {
		code = sc.StatusCode()
	}
	s.writeError(w, r, code, err)
}

// errorBody is written for every failed request. ID correlates it with the
// request log.
type errorBody struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	id, _ := r.Context().Value(goamiddleware.RequestIDKey).(string)
	if code >= http.StatusInternalServerError {
		s.log.WithField("request_id", id).WithError(err).Error("request failed")
	}
	enc := s.enc(r.Context(), w)
	w.WriteHeader(code)
	if err := enc.Encode(errorBody{ID: id, Error: err.Error()}); err != nil {
		s.log.WithError(err).Error("encode error")
	}
}
