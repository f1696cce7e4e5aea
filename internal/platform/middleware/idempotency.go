package middleware

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caseload/caseload/internal/platform/db"
)

const (
	IdempotencyKeyHeader     = "Idempotency-Key"
	IdempotentReplayedHeader = "Idempotent-Replayed"
)

// idempotencyNamespace derives cache keys; changing it invalidates every stored response.
var idempotencyNamespace = uuid.MustParse("6f1c2a9e-4d0b-4c77-9a57-3f2e0c8d1b64")

// StoredResponse is a completed response kept for replay.
type StoredResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// IdempotencyStore keeps completed responses by key until ttl elapses.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*StoredResponse, bool, error)
	Put(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error
}

// Idempotency replays the stored response of an earlier request that carried
// the same Idempotency-Key for the same clinic, method and path. Only 2xx
// responses are stored. Requests without the header pass straight through.
// Two requests racing with the same key can both execute.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			raw := req.Header.Get(IdempotencyKeyHeader)
			if raw == "" {
				return next(c)
			}
			if len(raw) > 255 {
				return echo.NewHTTPError(http.StatusBadRequest, "Idempotency-Key must be at most 255 characters")
			}

			ctx := req.Context()
			key := idempotencyKey(db.ClinicFromContext(ctx), req.Method, req.URL.Path, raw)

			stored, ok, err := store.Get(ctx, key)
			if err != nil {
				logger.Warn().Err(err).Str("idempotency_key", raw).Msg("idempotency lookup failed")
			}
			if ok {
				c.Response().Header().Set(IdempotentReplayedHeader, "true")
				return c.Blob(stored.Status, stored.ContentType, stored.Body)
			}

			res := c.Response()
			origWriter := res.Writer
			buf := newBufferedResponseWriter(origWriter)
			res.Writer = buf

			if err := next(c); err != nil {
				res.Writer = origWriter
				return err
			}
			res.Writer = origWriter

			if buf.statusCode >= 200 && buf.statusCode < 300 {
				resp := StoredResponse{
					Status:      buf.statusCode,
					ContentType: res.Header().Get(echo.HeaderContentType),
					Body:        append([]byte(nil), buf.buf.Bytes()...),
				}
				// store with a context that outlives a client disconnect
				if err := store.Put(context.WithoutCancel(ctx), key, resp, ttl); err != nil {
					logger.Warn().Err(err).Str("idempotency_key", raw).Msg("idempotency store failed")
				}
			}
			return buf.flushTo()
		}
	}
}

func idempotencyKey(clinicID int64, method, path, key string) string {
	var b bytes.Buffer
	b.WriteString(method)
	b.WriteByte(0)
	b.WriteString(path)
	b.WriteByte(0)
	b.WriteString(key)
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(clinicID, 10))
	return uuid.NewSHA1(idempotencyNamespace, b.Bytes()).String()
}

// bufferedResponseWriter holds the handler's response so it can be stored
// before it is sent.
type bufferedResponseWriter struct {
	writer     http.ResponseWriter
	buf        *bytes.Buffer
	statusCode int
}

func newBufferedResponseWriter(w http.ResponseWriter) *bufferedResponseWriter {
	return &bufferedResponseWriter{
		writer:     w,
		buf:        &bytes.Buffer{},
		statusCode: http.StatusOK,
	}
}

func (w *bufferedResponseWriter) Header() http.Header {
	return w.writer.Header()
}

func (w *bufferedResponseWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

func (w *bufferedResponseWriter) WriteHeader(code int) {
	w.statusCode = code
}

func (w *bufferedResponseWriter) Flush() {}

func (w *bufferedResponseWriter) flushTo() error {
	w.writer.WriteHeader(w.statusCode)
	if w.buf.Len() > 0 {
		_, err := w.writer.Write(w.buf.Bytes())
		return err
	}
	return nil
}

// MemoryIdempotencyStore is an in-process IdempotencyStore with lazy expiry.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	resp      StoredResponse
	expiresAt time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (*StoredResponse, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	now := s.now()
	if !now.After(e.expiresAt) {
		resp := e.resp
		return &resp, true, nil
	}

	// the entry may have been replaced since the read lock was released
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if now.After(cur.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	resp := cur.resp
	return &resp, true, nil
}

func (s *MemoryIdempotencyStore) Put(_ context.Context, key string, resp StoredResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{resp: resp, expiresAt: s.now().Add(ttl)}
	return nil
}

// StartCleanup removes expired entries every interval until ctx is done.
func (s *MemoryIdempotencyStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := s.now()
				s.mu.Lock()
				for k, e := range s.entries {
					if now.After(e.expiresAt) {
						delete(s.entries, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}()
}
