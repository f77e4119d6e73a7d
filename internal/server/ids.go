package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sohio.net/snowgen/internal/journal"
	"sohio.net/snowgen/internal/snowflake"
)

var u websocket.Upgrader

type idView struct {
	ID          string    `json:"id"`
	Base62      string    `json:"base62"`
	TimestampMs int64     `json:"timestamp_ms"`
	Time        time.Time `json:"time"`
	PartitionID uint8     `json:"partition_id"`
	WorkerID    uint8     `json:"worker_id"`
	Sequence    uint16    `json:"sequence"`
}

type idsMessage struct {
	IDs []idView `json:"ids"`
}

func (h *idHandler) view(id uint64) idView {
	p := snowflake.Decompose(id, h.gen.Config().EpochMs)
	return idView{
		ID:          strconv.FormatUint(id, 10),
		Base62:      snowflake.FormatBase62(id),
		TimestampMs: p.TimestampMs,
		Time:        time.UnixMilli(p.TimestampMs).UTC(),
		PartitionID: p.PartitionID,
		WorkerID:    p.WorkerID,
		Sequence:    p.Sequence,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func (h *idHandler) serveMint(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	count := 1
	if s := q.Get("count"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > h.maxBatch {
			http.Error(w, fmt.Sprintf("count must be between 1 and %d", h.maxBatch), http.StatusBadRequest)
			return
		}
		count = n
	}

	purpose := q.Get("purpose")
	if c := Claims(r.Context()); purpose == "" && c != nil {
		purpose = c.Subject
	}

	ids := make([]uint64, 0, count)
	for range count {
		id, err := h.gen.NextID()
		if err != nil {
			h.idError(w, err)
			return
		}
		ids = append(ids, id)
	}
	h.metrics.MintBatchSize.Observe(float64(count))

	if h.journal != nil {
		// Listeners hear about journaled ids through the database.
		if err := h.journal.Record(r.Context(), purpose, ids...); err != nil {
			h.journalError(w, err, ids)
			return
		}
	} else {
		for _, id := range ids {
			h.subs.Send(strconv.FormatUint(id, 10))
		}
	}

	msg := idsMessage{IDs: make([]idView, 0, len(ids))}
	for _, id := range ids {
		msg.IDs = append(msg.IDs, h.view(id))
	}
	if err := writeJSON(w, http.StatusOK, msg); err != nil {
		h.logger.Warnw("writing mint response", zap.Error(err))
	}
}

func (h *idHandler) journalError(w http.ResponseWriter, err error, ids []uint64) {
	first, last := ids[0], ids[len(ids)-1]
	switch {
	case errors.Is(err, journal.ErrDuplicateID):
		h.metrics.JournalFailures.WithLabelValues("duplicate").Inc()
		h.logger.Errorw("journal rejected a duplicate id, another instance shares this partition and worker",
			"first", first, "last", last, zap.Error(err))
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, journal.ErrUnavailable):
		h.metrics.JournalFailures.WithLabelValues("unavailable").Inc()
		h.logger.Warnw("journal unavailable", "first", first, "last", last, zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.metrics.JournalFailures.WithLabelValues("error").Inc()
		h.logger.Errorw("journaling ids", "first", first, "last", last, zap.Error(err))
		http.Error(w, "journal write failed", http.StatusInternalServerError)
	}
}

func (h *idHandler) serveDecode(w http.ResponseWriter, r *http.Request) {
	id, err := snowflake.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := writeJSON(w, http.StatusOK, h.view(id)); err != nil {
		h.logger.Warnw("writing decode response", zap.Error(err))
	}
}

// serveWs streams ids to a subscriber. The client opens with
// {"after": "<id>"}; with a journal, everything journaled after that id is
// replayed first and every notification triggers a catch up from the last id
// sent, so dropped notifications cost nothing. Without one, only ids minted
// locally while connected are seen.
func (h *idHandler) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := u.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var initial struct {
		After string `json:"after"`
	}
	if err := conn.ReadJSON(&initial); err != nil {
		conn.Close()
		return
	}

	var last uint64
	if initial.After != "" {
		if last, err = snowflake.Parse(initial.After); err != nil {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseUnsupportedData, err.Error()))
			conn.Close()
			return
		}
	}

	ch := h.subs.Subscribe()

	ctx := context.Background()

	// Drain client frames, closing the subscription on disconnect
	go func() {
		defer ch.Close()

		for {
			_, r, err := conn.NextReader()
			if err != nil {
				break
			}
			io.Copy(io.Discard, r)
		}
	}()

	go func() {
		defer conn.Close()

		catchUp := func() error {
			for {
				entries, err := h.journal.After(ctx, last, h.maxBatch)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					return nil
				}
				msg := idsMessage{IDs: make([]idView, 0, len(entries))}
				for _, e := range entries {
					msg.IDs = append(msg.IDs, h.view(e.ID))
					last = e.ID
				}
				if err := conn.WriteJSON(msg); err != nil {
					return err
				}
				if len(entries) < h.maxBatch {
					return nil
				}
			}
		}

		forward := func(payload string) error {
			id, err := strconv.ParseUint(payload, 10, 64)
			if err != nil || id <= last {
				return nil
			}
			last = id
			return conn.WriteJSON(idsMessage{IDs: []idView{h.view(id)}})
		}

		f := forward
		if h.journal != nil {
			f = func(string) error { return catchUp() }
			if err := catchUp(); err != nil {
				h.wsFail(conn, err)
				return
			}
		}
		for payload := range ch.Receiver() {
			if err := f(payload); err != nil {
				h.wsFail(conn, err)
				return
			}
		}
	}()
}

func (h *idHandler) wsFail(conn *websocket.Conn, err error) {
	h.logger.Infow("closing subscriber", zap.Error(err))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
}
