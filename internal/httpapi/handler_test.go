package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroll/internal/attendance"
	"classroll/internal/auth"
	"classroll/internal/queue"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "classroll-test"
)

type server struct {
	t      *testing.T
	router *gin.Engine
	queue  *queue.InMemory
	tokens map[string]string
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := attendance.NewMemoryStore()
	store.AddSection(attendance.Section{ID: "sec-1", Code: "CS101-A", FacultyID: "fac-1"})
	store.AddSlot(attendance.Slot{ID: "slot-mon", SectionID: "sec-1", Weekday: time.Monday, StartTime: "09:00", EndTime: "10:00", Room: "B-204"})
	store.Enroll("sec-1", attendance.Student{ID: "s1", RollNumber: "001", FullName: "Asha Rao"})
	store.Enroll("sec-1", attendance.Student{ID: "s2", RollNumber: "002", FullName: "Ben Okafor"})

	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	svc := attendance.NewService(store, auth.NewQRSigner("qr-key"), attendance.WithClock(func() time.Time { return now }))
	q := queue.NewInMemory(8)

	s := &server{
		t:      t,
		router: NewRouter(New(svc, q, time.UTC), RouterConfig{JWTSigningKey: testKey, JWTIssuer: testIssuer}),
		queue:  q,
		tokens: map[string]string{},
	}
	s.issue("faculty", "fac-1", auth.Roles{IsFaculty: true})
	s.issue("admin", "adm-1", auth.Roles{IsAdmin: true})
	s.issue("s1", "s1", auth.Roles{IsStudent: true})
	return s
}

func (s *server) issue(name, subject string, roles auth.Roles) {
	token, _, err := auth.Issue(subject, roles, testIssuer, testKey, time.Hour)
	require.NoError(s.t, err)
	s.tokens[name] = token
}

func (s *server) do(who, method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who != "" {
		req.Header.Set("Authorization", "Bearer "+s.tokens[who])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) openSession() attendance.Session {
	s.t.Helper()
	w := s.do("faculty", http.MethodPost, "/v1/sessions", gin.H{"section_id": "sec-1", "date": "2026-03-02", "slot_id": "slot-mon"})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Session attendance.Session `json:"session"`
	}
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &created))

	w = s.do("faculty", http.MethodPost, "/v1/sessions/"+created.Session.ID+"/open", nil)
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	var opened struct {
		Session attendance.Session `json:"session"`
	}
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &opened))
	require.Equal(s.t, attendance.StatusOpen, opened.Session.Status)
	return opened.Session
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRequiresBearerToken(t *testing.T) {
	s := newServer(t)

	w := s.do("", http.MethodGet, "/v1/settings", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "missing_token", decodeError(t, w).Error.Code)

	s.tokens["forged"] = "not.a.jwt"
	w = s.do("forged", http.MethodGet, "/v1/settings", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubmitAndReadBack(t *testing.T) {
	s := newServer(t)
	sess := s.openSession()

	w := s.do("s1", http.MethodPost, "/v1/attendance", gin.H{
		"session_id": sess.ID, "student_id": "s1", "mark": "present", "source": "manual",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do("faculty", http.MethodPost, "/v1/attendance", gin.H{
		"session_id": sess.ID, "student_id": "s2", "mark": "absent", "source": "manual",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do("s1", http.MethodGet, "/v1/sessions/"+sess.ID+"/records", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var own struct {
		Records []attendance.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &own))
	require.Len(t, own.Records, 1)
	assert.Equal(t, "s1", own.Records[0].StudentID)

	w = s.do("faculty", http.MethodGet, "/v1/sessions/"+sess.ID+"/records", nil)
	var all struct {
		Records []attendance.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all.Records, 2)

	w = s.do("s1", http.MethodGet, "/v1/students/s1/summary", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sum attendance.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, 1, sum.Total)
	assert.InDelta(t, 100.0, sum.Percentage, 0.001)
	assert.True(t, sum.Eligible)
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t)
	sess := s.openSession()

	cases := []struct {
		name   string
		who    string
		body   gin.H
		status int
		code   string
	}{
		{
			name:   "invalid mark",
			who:    "faculty",
			body:   gin.H{"session_id": sess.ID, "student_id": "s1", "mark": "maybe", "source": "manual"},
			status: http.StatusBadRequest,
			code:   attendance.ErrInvalidInput.Code,
		},
		{
			name:   "unknown session",
			who:    "faculty",
			body:   gin.H{"session_id": "missing", "student_id": "s1", "mark": "present", "source": "manual"},
			status: http.StatusNotFound,
			code:   attendance.ErrSessionNotFound.Code,
		},
		{
			name:   "student marking a classmate",
			who:    "s1",
			body:   gin.H{"session_id": sess.ID, "student_id": "s2", "mark": "present", "source": "manual"},
			status: http.StatusForbidden,
			code:   attendance.ErrForbidden.Code,
		},
		{
			name:   "not on roster",
			who:    "faculty",
			body:   gin.H{"session_id": sess.ID, "student_id": "s9", "mark": "present", "source": "manual"},
			status: http.StatusNotFound,
			code:   attendance.ErrNotEnrolled.Code,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(tc.who, http.MethodPost, "/v1/attendance", tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, tc.code, decodeError(t, w).Error.Code)
		})
	}

	w := s.do("faculty", http.MethodPost, "/v1/sessions/"+sess.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do("faculty", http.MethodPost, "/v1/attendance", gin.H{
		"session_id": sess.ID, "student_id": "s1", "mark": "present", "source": "manual",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, attendance.ErrSessionNotOpen.Code, decodeError(t, w).Error.Code)
}

func TestGenerateRequiresAdmin(t *testing.T) {
	s := newServer(t)

	w := s.do("faculty", http.MethodPost, "/v1/sessions/generate", gin.H{"date": "2026-03-02"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do("admin", http.MethodPost, "/v1/sessions/generate", gin.H{"date": "2026-03-02"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Count)

	w = s.do("admin", http.MethodPost, "/v1/sessions/generate", gin.H{"date": "March 2"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOfflineSyncIsQueued(t *testing.T) {
	s := newServer(t)
	sess := s.openSession()

	w := s.do("faculty", http.MethodPost, "/v1/sync/offline", gin.H{
		"session_id": sess.ID,
		"sync_token": sess.OfflineSyncToken,
		"items": []gin.H{
			{"student_id": "s1", "mark": "present", "client_uuid": "u-1", "submitted_at": "2026-03-02T09:02:00Z"},
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs, err := s.queue.Consume(ctx)
	require.NoError(t, err)
	msg := <-msgs
	assert.Equal(t, queue.TypeOfflineSync, msg.Type)

	var batch attendance.OfflineBatch
	require.NoError(t, msg.Decode(&batch))
	assert.Equal(t, "fac-1", batch.Actor.ID)
	assert.True(t, batch.Actor.IsFaculty)
	require.Len(t, batch.Items, 1)

	w = s.do("faculty", http.MethodPost, "/v1/sync/offline", gin.H{"session_id": sess.ID, "sync_token": sess.OfflineSyncToken})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCorrectionFlow(t *testing.T) {
	s := newServer(t)
	sess := s.openSession()

	w := s.do("faculty", http.MethodPost, "/v1/attendance", gin.H{
		"session_id": sess.ID, "student_id": "s1", "mark": "absent", "source": "manual",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do("s1", http.MethodPost, "/v1/corrections", gin.H{
		"session_id": sess.ID, "student_id": "s1", "to_mark": "present", "reason": "was in the back row",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Correction attendance.CorrectionRequest `json:"correction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = s.do("faculty", http.MethodPost, "/v1/corrections/"+created.Correction.ID+"/decision", gin.H{"note": "ok"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do("faculty", http.MethodPost, "/v1/corrections/"+created.Correction.ID+"/decision", gin.H{"approve": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do("faculty", http.MethodPost, "/v1/corrections/"+created.Correction.ID+"/decision", gin.H{"approve": false})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, attendance.ErrNotPending.Code, decodeError(t, w).Error.Code)

	w = s.do("admin", http.MethodGet, "/v1/audit/correction/"+created.Correction.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestIssueQRAsImage(t *testing.T) {
	s := newServer(t)
	sess := s.openSession()

	w := s.do("faculty", http.MethodPost, "/v1/sessions/"+sess.ID+"/qr?format=png", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))
	assert.NotEmpty(t, w.Header().Get("X-QR-Expires-At"))

	w = s.do("s1", http.MethodPost, "/v1/sessions/"+sess.ID+"/qr", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
