package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/stockpilot/internal/api/response"
	"github.com/kiranshivaraju/stockpilot/internal/cache"
	"github.com/kiranshivaraju/stockpilot/internal/jobs"
)

const (
	watchWriteWait  = 10 * time.Second
	watchPongWait   = 60 * time.Second
	watchPingPeriod = watchPongWait * 9 / 10
)

// WatchPollInterval is how often a watcher re-reads the job in case a pub/sub
// event was lost. Pub/sub delivery is at-most-once.
var WatchPollInterval = 15 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients authenticate with a bearer key, not cookies.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewWatchJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/watch.
// It upgrades to a websocket, sends the current status view and then one view
// per status change. The connection is closed once the job is terminal.
func NewWatchJobHandler(svc JobService, sub Subscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		jobID, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		// Subscribe before the first read so no transition falls in between.
		events, err := sub.Subscribe(r.Context(), cache.JobEventsChannel(jobID))
		if err != nil {
			slog.Error("job event subscription failed", "job_id", jobID, "error", err)
			response.Error(w, http.StatusServiceUnavailable, "EVENTS_UNAVAILABLE",
				"Job events are temporarily unavailable", nil)
			return
		}
		defer events.Close()

		view, err := svc.Status(r.Context(), jobID, p.CompanyID)
		if errors.Is(err, jobs.ErrJobNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", jobNotFoundMessage, nil)
			return
		}
		if err != nil {
			slog.Error("job status failed", "job_id", jobID, "error", err)
			internalError(w)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already answered the client.
			slog.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
			return
		}
		defer conn.Close()

		wt := &watcher{conn: conn, svc: svc, jobID: jobID, companyID: p.CompanyID}
		wt.run(r.Context(), events.C, view)
	}
}

type watcher struct {
	conn      *websocket.Conn
	svc       JobService
	jobID     uuid.UUID
	companyID uuid.UUID
}

func (wt *watcher) run(ctx context.Context, events <-chan []byte, view *jobs.StatusView) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go wt.readPump(cancel)

	if !wt.send(view) {
		return
	}
	if view.Status.IsTerminal() {
		wt.finish()
		return
	}
	last := view.Status

	ping := time.NewTicker(watchPingPeriod)
	defer ping.Stop()
	poll := time.NewTicker(WatchPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := wt.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
				return
			}
			continue
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
		case <-poll.C:
		}

		current, err := wt.svc.Status(ctx, wt.jobID, wt.companyID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("watch status read failed", "job_id", wt.jobID, "error", err)
			continue
		}
		if current.Status == last {
			continue
		}
		last = current.Status
		if !wt.send(current) {
			return
		}
		if last.IsTerminal() {
			wt.finish()
			return
		}
	}
}

func (wt *watcher) send(view *jobs.StatusView) bool {
	_ = wt.conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
	if err := wt.conn.WriteJSON(view); err != nil {
		slog.Debug("watch write failed", "job_id", wt.jobID, "error", err)
		return false
	}
	return true
}

func (wt *watcher) finish() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	_ = wt.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(watchWriteWait))
}

// readPump consumes control frames and cancels the watch once the client goes away.
func (wt *watcher) readPump(cancel context.CancelFunc) {
	defer cancel()
	wt.conn.SetReadLimit(512)
	_ = wt.conn.SetReadDeadline(time.Now().Add(watchPongWait))
	wt.conn.SetPongHandler(func(string) error {
		return wt.conn.SetReadDeadline(time.Now().Add(watchPongWait))
	})
	for {
		if _, _, err := wt.conn.ReadMessage(); err != nil {
			return
		}
	}
}
