package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/saaga0h/mqtt-explorer/internal/insight"
	"github.com/saaga0h/mqtt-explorer/internal/message"
	"github.com/saaga0h/mqtt-explorer/internal/publisher"
	"github.com/saaga0h/mqtt-explorer/internal/session"
	"github.com/saaga0h/mqtt-explorer/internal/settings"
	"github.com/saaga0h/mqtt-explorer/internal/store"
)

func (s *Server) HandleSession(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Snapshot())
}

// HandleConnect starts a session from the request body, or from a saved
// profile named by ?profile=
func (s *Server) HandleConnect(w http.ResponseWriter, r *http.Request) {
	var opts session.ConnectionOptions

	if name := r.URL.Query().Get("profile"); name != "" {
		saved, err := s.settings.Load(r.Context())
		if err != nil {
			s.handleError(w, err)
			return
		}
		found := false
		for _, p := range saved.Profiles {
			if p.Name == name {
				opts, found = p.Options, true
				break
			}
		}
		if !found {
			s.writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("no profile named %q", name)})
			return
		}
	} else if err := decodeBody(w, r, &opts); err != nil {
		s.handleError(w, err)
		return
	}

	if err := s.session.Connect(r.Context(), opts); err != nil {
		if errors.Is(err, session.ErrInvalidOptions) || errors.Is(err, session.ErrClosed) {
			s.handleError(w, err)
			return
		}
		s.logger.Warn("Connect failed", "broker", opts.BrokerURL, "error", err)
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.session.Snapshot())
}

func (s *Server) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.session.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

type subscribeRequest struct {
	Topic string `json:"topic"`
	QoS   *byte  `json:"qos,omitempty"`
}

// HandleSubscribe requests a subscription. The bridge acknowledges
// asynchronously, so success means the request was sent.
func (s *Server) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.handleError(w, err)
		return
	}

	var qos byte
	if opts := s.session.Snapshot().Options; opts != nil {
		qos = opts.QoS
	}
	if req.QoS != nil {
		qos = *req.QoS
	}
	if err := s.session.Subscribe(req.Topic, qos); err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, message.Subscription{Topic: req.Topic, QoS: qos})
}

func (s *Server) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		s.handleError(w, fmt.Errorf("%w: topic is required", errBadRequest))
		return
	}
	if err := s.session.Unsubscribe(topic); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type publishRequest struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     *byte  `json:"qos,omitempty"`
	Retain  *bool  `json:"retain,omitempty"`

	// JSON rejects payloads that are not valid JSON
	JSON bool `json:"json,omitempty"`
}

type publishResponse struct {
	Delivery session.Delivery `json:"delivery"`
	Topic    string           `json:"topic"`
}

// HandlePublish publishes one message. QoS and retain default to the saved
// settings.
func (s *Server) HandlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.handleError(w, err)
		return
	}

	saved, err := s.settings.Load(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	po := session.PublishOptions{QoS: saved.DefaultQoS, Retain: saved.DefaultRetain}
	if req.QoS != nil {
		po.QoS = *req.QoS
	}
	if req.Retain != nil {
		po.Retain = *req.Retain
	}

	publish := s.session.Publish
	if req.JSON {
		publish = s.session.PublishJSON
	}
	delivery, err := publish(r.Context(), req.Topic, req.Payload, po)
	if err != nil {
		s.handleError(w, err)
		return
	}

	code := http.StatusOK
	if delivery == session.DeliveryQueued {
		code = http.StatusAccepted
	}
	s.writeJSON(w, code, publishResponse{Delivery: delivery, Topic: req.Topic})
}

// HandleQueue lists offline messages awaiting delivery
func (s *Server) HandleQueue(w http.ResponseWriter, r *http.Request) {
	queued, err := s.session.Queued(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, queued)
}

type publisherRequest struct {
	Topic      string `json:"topic,omitempty"`
	IntervalMs int    `json:"intervalMs,omitempty"`
	Payload    string `json:"payload,omitempty"`
}

// HandleStartPublisher starts the auto or manual loop, or publishes once for
// mode "once". The topic defaults to the session's base topic without a
// trailing multi-level wildcard; the interval defaults to the saved setting.
func (s *Server) HandleStartPublisher(w http.ResponseWriter, r *http.Request) {
	var req publisherRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.handleError(w, err)
			return
		}
	}

	snap := s.session.Snapshot()
	if snap.Status != session.StatusConnected {
		s.handleError(w, fmt.Errorf("%w: publisher needs a connected session", session.ErrNotConnected))
		return
	}
	if req.Topic == "" && snap.Options != nil {
		req.Topic = publisher.TopicFor(snap.Options.BaseTopic)
		if req.Topic == "" {
			s.handleError(w, fmt.Errorf("%w: base topic %q has wildcards, a topic is required",
				errBadRequest, snap.Options.BaseTopic))
			return
		}
	}
	if req.IntervalMs == 0 {
		saved, err := s.settings.Load(r.Context())
		if err != nil {
			s.handleError(w, err)
			return
		}
		req.IntervalMs = saved.PublishIntervalMs
	}
	interval := time.Duration(req.IntervalMs) * time.Millisecond

	sched := s.session.Scheduler()
	var err error
	switch mode := chi.URLParam(r, "mode"); mode {
	case publisher.ModeAuto:
		err = sched.StartAuto(req.Topic, interval)
	case publisher.ModeManual:
		err = sched.StartManual(req.Topic, req.Payload, interval)
	case "once":
		err = sched.PublishOnce(r.Context(), req.Topic, req.Payload)
	default:
		err = fmt.Errorf("%w: unknown publisher mode %q", errBadRequest, mode)
	}
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sched.Stats())
}

func (s *Server) HandleStopPublisher(w http.ResponseWriter, r *http.Request) {
	s.session.Scheduler().Stop()
	w.WriteHeader(http.StatusNoContent)
}

type messagesResponse struct {
	Messages []message.Message `json:"messages"`
	Total    int               `json:"total"`
}

// HandleMessages queries stored messages. Total counts every match, ignoring
// limit and offset.
func (s *Server) HandleMessages(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.handleError(w, err)
		return
	}

	msgs, err := s.store.Query(r.Context(), f)
	if err != nil {
		s.handleError(w, err)
		return
	}
	total, err := s.store.Count(r.Context(), f)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	s.writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs, Total: total})
}

func (s *Server) HandleCount(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	n, err := s.store.Count(r.Context(), f)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) HandleExport(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = store.FormatJSON
	}

	contentType := "application/json"
	switch format {
	case store.FormatJSON:
	case store.FormatCSV:
		contentType = "text/csv"
	default:
		s.handleError(w, fmt.Errorf("%w: %q", store.ErrUnknownFormat, format))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="mqtt-messages-%d.%s"`, time.Now().Unix(), format))
	if err := store.Export(r.Context(), s.store, w, format, f); err != nil {
		// headers are already out; the truncated body is all we can do
		s.logger.Error("Export failed", "format", format, "error", err)
	}
}

func (s *Server) HandleTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.store.Topics(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	if topics == nil {
		topics = []string{}
	}
	s.writeJSON(w, http.StatusOK, topics)
}

func (s *Server) HandleClearMessages(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(r.Context()); err != nil {
		s.handleError(w, err)
		return
	}
	s.logger.Info("Message store cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Buffer().Snapshot())
}

func (s *Server) HandleClearLive(w http.ResponseWriter, r *http.Request) {
	s.session.Buffer().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleSys(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.session.Sys())
}

func (s *Server) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	saved, err := s.settings.Load(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	next := settings.Defaults()
	if err := decodeBody(w, r, &next); err != nil {
		s.handleError(w, err)
		return
	}
	if err := s.settings.Save(r.Context(), next); err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, next)
}

type insightsRequest struct {
	Topic string `json:"topic,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// HandleInsights analyzes the newest stored messages
func (s *Server) HandleInsights(w http.ResponseWriter, r *http.Request) {
	if s.insights == nil {
		s.handleError(w, fmt.Errorf("%w: insight service not configured", errUnavailable))
		return
	}

	var req insightsRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.handleError(w, err)
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}

	msgs, err := s.store.Query(r.Context(), store.Filter{
		Topic:          req.Topic,
		Limit:          req.Limit,
		OrderDirection: store.OrderDesc,
	})
	if err != nil {
		s.handleError(w, err)
		return
	}
	topics, err := s.store.Topics(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}

	report, err := s.insights.Analyze(r.Context(), msgs, topics)
	if err != nil {
		if errors.Is(err, insight.ErrNoMessages) {
			s.handleError(w, err)
			return
		}
		s.logger.Warn("Insight generation failed", "error", err)
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// parseFilter reads store.Filter fields from the query string
func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{
		Topic:          q.Get("topic"),
		Payload:        q.Get("payload"),
		OrderBy:        q.Get("orderBy"),
		OrderDirection: q.Get("orderDirection"),
	}

	ints := []struct {
		name string
		set  func(int64)
	}{
		{"startTime", func(v int64) { f.StartTime = store.Int64(v) }},
		{"endTime", func(v int64) { f.EndTime = store.Int64(v) }},
		{"limit", func(v int64) { f.Limit = int(v) }},
		{"offset", func(v int64) { f.Offset = int(v) }},
	}
	for _, p := range ints {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return store.Filter{}, fmt.Errorf("%w: %s must be an integer", errBadRequest, p.name)
		}
		p.set(v)
	}
	return f, f.Validate()
}
