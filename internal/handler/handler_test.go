package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"qrattendance/internal/attendance"
	"qrattendance/internal/auth"
	"qrattendance/internal/clock"
	"qrattendance/internal/httpmiddleware"
	"qrattendance/internal/kiosk"
	"qrattendance/internal/metrics"
	"qrattendance/internal/qrcode"
	"qrattendance/internal/queue"
	"qrattendance/internal/report"
	"qrattendance/internal/store"
)

const registrationKey = "let-me-in"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeQueue struct {
	scans []queue.Scan
	err   error
}

func (q *fakeQueue) Publish(_ context.Context, scan queue.Scan) error {
	if q.err != nil {
		return q.err
	}
	q.scans = append(q.scans, scan)
	return nil
}

func (q *fakeQueue) Consume(ctx context.Context) (<-chan queue.Scan, error) {
	out := make(chan queue.Scan)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

type fixture struct {
	router  *gin.Engine
	repo    *attendance.Repository
	queue   *fakeQueue
	loop    *kiosk.Loop
	metrics *metrics.Metrics
	token   string
	refresh string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, err := store.NewDB(ctx, ":memory:")
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	now := time.Date(2026, 3, 2, 8, 15, 0, 0, time.Local)
	clk := clock.Func(func() time.Time { return now })
	window, _ := clock.ParseWindow("07:00", "10:00")

	repo := attendance.NewRepository(db, discard())
	feed := kiosk.NewFeed(10)
	q := &fakeQueue{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	iss := auth.NewIssuer("attendance-kiosk", "secret", time.Hour, 24*time.Hour)
	iss.Store = repo

	h := New(Deps{
		Repo:            repo,
		Enroller:        attendance.NewEnroller(repo, nil, discard()),
		Queue:           q,
		Feed:            feed,
		Exporter:        report.NewExporter(repo, t.TempDir(), discard()),
		Issuer:          iss,
		DB:              db,
		Metrics:         m,
		Clock:           clk,
		Window:          window,
		RegistrationKey: registrationKey,
		Logger:          discard(),
	})

	engine := attendance.NewEngine(repo, repo, window, attendance.DefaultCooldown)
	f := &fixture{
		router:  NewRouter(h, httpmiddleware.NewTokenBucket(0, 0), reg),
		repo:    repo,
		queue:   q,
		loop:    kiosk.NewLoop(engine, q, feed, discard()),
		metrics: m,
	}

	w := f.do(t, http.MethodPost, "/v1/devices/register", `{"device_id":"kiosk-1","registration_key":"`+registrationKey+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register = %d: %s", w.Code, w.Body.String())
	}
	var pair auth.TokenPair
	decode(t, w, &pair)
	f.token = pair.AccessToken
	f.refresh = pair.RefreshToken
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return f.send(req)
}

func (f *fixture) send(req *http.Request) *httptest.ResponseRecorder {
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func imageUpload(t *testing.T, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "frame.png")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write(data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/scans/image", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz = %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}
}

func TestRegisterDevice(t *testing.T) {
	f := newFixture(t)
	f.token = ""

	tests := []struct {
		name string
		body string
		want int
	}{
		{"wrong key", `{"device_id":"kiosk-2","registration_key":"nope"}`, http.StatusForbidden},
		{"missing device", `{"registration_key":"` + registrationKey + `"}`, http.StatusBadRequest},
		{"re-register", `{"device_id":"kiosk-1","registration_key":"` + registrationKey + `"}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := f.do(t, http.MethodPost, "/v1/devices/register", tt.body); w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRefreshDevice(t *testing.T) {
	f := newFixture(t)
	access := f.token
	f.token = ""

	w := f.do(t, http.MethodPost, "/v1/devices/refresh", `{"refresh_token":"`+access+`"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("access token used for refresh = %d", w.Code)
	}

	body := `{"refresh_token":"` + f.refresh + `"}`
	w = f.do(t, http.MethodPost, "/v1/devices/refresh", body)
	if w.Code != http.StatusOK {
		t.Fatalf("first refresh = %d: %s", w.Code, w.Body.String())
	}
	var next auth.TokenPair
	decode(t, w, &next)

	if w := f.do(t, http.MethodPost, "/v1/devices/refresh", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("replayed refresh = %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/v1/devices/refresh", `{"refresh_token":"`+next.RefreshToken+`"}`); w.Code != http.StatusOK {
		t.Fatalf("rotated refresh = %d: %s", w.Code, w.Body.String())
	}
}

func TestScansRequireToken(t *testing.T) {
	f := newFixture(t)
	f.token = ""
	if w := f.do(t, http.MethodPost, "/v1/scans", `{"text":"S001"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous scan = %d", w.Code)
	}
}

func TestSubmitScanThenPollDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.repo.CreatePerson(ctx, attendance.Person{FullName: "Ana", ExternalCode: "S001"}); err != nil {
		t.Fatalf("CreatePerson: %v", err)
	}

	w := f.do(t, http.MethodPost, "/v1/scans", `{"text":"S001"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit = %d: %s", w.Code, w.Body.String())
	}
	var accepted struct {
		ScanID string `json:"scan_id"`
	}
	decode(t, w, &accepted)
	if len(f.queue.scans) != 1 {
		t.Fatalf("queued %d scans", len(f.queue.scans))
	}
	scan := f.queue.scans[0]
	if scan.ID != accepted.ScanID || scan.Text != "S001" || scan.Source != "http:kiosk-1" {
		t.Fatalf("queued scan = %+v", scan)
	}

	if w := f.do(t, http.MethodGet, "/v1/decisions/"+scan.ID, ""); w.Code != http.StatusNotFound {
		t.Fatalf("unprocessed decision = %d", w.Code)
	}
	f.loop.Process(ctx, scan)

	w = f.do(t, http.MethodGet, "/v1/decisions/"+scan.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("decision = %d", w.Code)
	}
	var entry kiosk.Entry
	decode(t, w, &entry)
	if entry.Status != "accepted" || entry.Person == nil || entry.Person.FullName != "Ana" {
		t.Fatalf("entry = %+v", entry)
	}

	w = f.do(t, http.MethodGet, "/v1/stats", "")
	var stats struct {
		Present  int            `json:"present"`
		Enrolled int            `json:"enrolled"`
		Window   string         `json:"window"`
		Open     bool           `json:"open"`
		Outcomes map[string]int `json:"outcomes"`
	}
	decode(t, w, &stats)
	if stats.Present != 1 || stats.Enrolled != 1 || !stats.Open || stats.Outcomes["accepted"] != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	w = f.do(t, http.MethodGet, "/v1/decisions?limit=5", "")
	var list struct {
		Decisions []kiosk.Entry `json:"decisions"`
	}
	decode(t, w, &list)
	if len(list.Decisions) != 1 {
		t.Fatalf("decisions = %+v", list.Decisions)
	}
}

func TestSubmitScanQueueDown(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("redis: connection refused")

	if w := f.do(t, http.MethodPost, "/v1/scans", `{"text":"S001"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("submit = %d", w.Code)
	}
	var m dto.Metric
	if err := f.metrics.PublishFailures.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Fatalf("publish failures = %v", got)
	}
}

func TestSubmitImage(t *testing.T) {
	f := newFixture(t)

	code, err := qrcode.Render("S042", 256)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if w := f.send(imageUpload(t, code)); w.Code != http.StatusAccepted {
		t.Fatalf("image with code = %d: %s", w.Code, w.Body.String())
	}
	if len(f.queue.scans) != 1 || f.queue.scans[0].Text != "S042" {
		t.Fatalf("queued = %+v", f.queue.scans)
	}

	var blank bytes.Buffer
	if err := png.Encode(&blank, image.NewGray(image.Rect(0, 0, 64, 64))); err != nil {
		t.Fatalf("png: %v", err)
	}
	if w := f.send(imageUpload(t, blank.Bytes())); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("image without code = %d", w.Code)
	}
	if len(f.queue.scans) != 1 {
		t.Fatalf("image without code was queued")
	}
}

func TestCreatePerson(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/persons", `{"full_name":"","external_code":"S001","email":"bad"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid = %d", w.Code)
	}
	var invalid struct {
		Fields []attendance.FieldError `json:"fields"`
	}
	decode(t, w, &invalid)
	if len(invalid.Fields) != 2 || invalid.Fields[0].Field != "full_name" || invalid.Fields[1].Field != "email" {
		t.Fatalf("fields = %+v", invalid.Fields)
	}

	body := `{"full_name":"Ana Pérez","external_code":"S001","cohort":"2026","gender":"F"}`
	w = f.do(t, http.MethodPost, "/v1/persons", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Person attendance.Person `json:"person"`
	}
	decode(t, w, &created)
	if created.Person.ID == 0 || created.Person.ExternalCode != "S001" {
		t.Fatalf("person = %+v", created.Person)
	}

	if w := f.do(t, http.MethodPost, "/v1/persons", body); w.Code != http.StatusConflict {
		t.Fatalf("duplicate = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/v1/persons", "")
	var list struct {
		Persons []attendance.Person `json:"persons"`
	}
	decode(t, w, &list)
	if len(list.Persons) != 1 {
		t.Fatalf("persons = %+v", list.Persons)
	}
}

func TestPersonQR(t *testing.T) {
	f := newFixture(t)
	if _, err := f.repo.CreatePerson(context.Background(), attendance.Person{FullName: "Ana", ExternalCode: "S001"}); err != nil {
		t.Fatalf("CreatePerson: %v", err)
	}

	w := f.do(t, http.MethodGet, "/v1/persons/S001/qr", "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("qr = %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "QR_S001_Ana.png") {
		t.Fatalf("disposition = %q", w.Header().Get("Content-Disposition"))
	}
	if w := f.do(t, http.MethodGet, "/v1/persons/S999/qr", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown = %d", w.Code)
	}

	for _, size := range []string{"12000", "8"} {
		if w := f.do(t, http.MethodGet, "/v1/persons/S001/qr?size="+size, ""); w.Code != http.StatusBadRequest {
			t.Fatalf("size %s = %d", size, w.Code)
		}
	}
	if w := f.do(t, http.MethodGet, "/v1/persons/S001/qr?size=512", ""); w.Code != http.StatusOK {
		t.Fatalf("size 512 = %d", w.Code)
	}
}

func TestPersonQRCodeWithSlash(t *testing.T) {
	f := newFixture(t)
	if _, err := f.repo.CreatePerson(context.Background(), attendance.Person{FullName: "Ana", ExternalCode: "A/1"}); err != nil {
		t.Fatalf("CreatePerson: %v", err)
	}
	w := f.do(t, http.MethodGet, "/v1/persons/A%2F1/qr", "")
	if w.Code != http.StatusOK {
		t.Fatalf("escaped code = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "QR_A_1_Ana.png") {
		t.Fatalf("disposition = %q", w.Header().Get("Content-Disposition"))
	}
}

func TestEventsAndReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.repo.CreatePerson(ctx, attendance.Person{FullName: "Ana", ExternalCode: "S001"})
	if err != nil {
		t.Fatalf("CreatePerson: %v", err)
	}
	day := clock.Date{Year: 2026, Month: time.March, Day: 2}
	if _, err := f.repo.RecordEvent(ctx, p.ID, day, clock.NewTimeOfDay(8, 0, 0), "test"); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	w := f.do(t, http.MethodGet, "/v1/events?from=2026-03-01&to=2026-03-02", "")
	var events struct {
		Events []attendance.EventView `json:"events"`
	}
	decode(t, w, &events)
	if len(events.Events) != 1 || events.Events[0].FullName != "Ana" {
		t.Fatalf("events = %+v", events.Events)
	}
	if w := f.do(t, http.MethodGet, "/v1/events?from=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad from = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/v1/reports/daily", "")
	if w.Code != http.StatusOK {
		t.Fatalf("report = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Disposition"); !strings.Contains(got, "attendance_2026_03_02.xlsx") {
		t.Fatalf("disposition = %q", got)
	}
	if w.Header().Get("X-Report-Present") != "1" || w.Header().Get("X-Report-Absent") != "0" {
		t.Fatalf("summary headers = %v", w.Header())
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("PK")) {
		t.Fatalf("report body is not a workbook")
	}

	if w := f.do(t, http.MethodGet, "/v1/reports/daily?date=2026-03-05&to=2026-03-01", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("reversed range = %d", w.Code)
	}
}
