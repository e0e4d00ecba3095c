package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func testIssuer(now time.Time) *Issuer {
	iss := NewIssuer("attendance-kiosk", "secret", 15*time.Minute, 24*time.Hour)
	iss.Now = func() time.Time { return now }
	return iss
}

func TestIssueAndParse(t *testing.T) {
	now := time.Now()
	iss := testIssuer(now)

	pair, err := iss.Issue(context.Background(), "kiosk-1", RoleDevice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := iss.Parse(pair.AccessToken, KindAccess)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "kiosk-1" || claims.Role != RoleDevice {
		t.Fatalf("claims = %+v", claims)
	}
	if _, err := iss.Parse(pair.RefreshToken, KindAccess); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("refresh token accepted as access: %v", err)
	}
	if _, err := iss.Parse(pair.AccessToken, KindRefresh); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("access token accepted as refresh: %v", err)
	}
}

func TestParseRejectsForeignAndExpiredTokens(t *testing.T) {
	now := time.Now()
	pair, err := testIssuer(now).Issue(context.Background(), "kiosk-1", RoleDevice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other := NewIssuer("attendance-kiosk", "another-secret", time.Minute, time.Hour)
	if _, err := other.Parse(pair.AccessToken, KindAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token with foreign key: %v", err)
	}

	wrongIssuer := testIssuer(now)
	wrongIssuer.Name = "someone-else"
	if _, err := wrongIssuer.Parse(pair.AccessToken, KindAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token from another issuer: %v", err)
	}

	later := testIssuer(now.Add(time.Hour))
	if _, err := later.Parse(pair.AccessToken, KindAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired access token: %v", err)
	}
	if _, err := later.Parse(pair.RefreshToken, KindRefresh); err != nil {
		t.Fatalf("refresh token should outlive access token: %v", err)
	}
}

func TestRefresh(t *testing.T) {
	iss := testIssuer(time.Now())
	pair, _ := iss.Issue(context.Background(), "kiosk-1", RoleDevice)

	next, err := iss.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if claims, err := iss.Parse(next.AccessToken, KindAccess); err != nil || claims.Subject != "kiosk-1" {
		t.Fatalf("refreshed access token: %+v, %v", claims, err)
	}
	if _, err := iss.Refresh(context.Background(), pair.AccessToken); err == nil {
		t.Fatalf("access token accepted for refresh")
	}
}

type memStore struct {
	live map[string]bool
}

func (m *memStore) SaveRefreshToken(_ context.Context, _, hash string, _ time.Time) error {
	m.live[hash] = true
	return nil
}

func (m *memStore) RevokeRefreshToken(_ context.Context, hash string) (bool, error) {
	live := m.live[hash]
	m.live[hash] = false
	return live, nil
}

func TestRefreshRotatesStoredTokens(t *testing.T) {
	ctx := context.Background()
	iss := testIssuer(time.Now())
	iss.Store = &memStore{live: map[string]bool{}}

	pair, err := iss.Issue(ctx, "kiosk-1", RoleDevice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	next, err := iss.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatalf("refresh token not rotated")
	}
	if _, err := iss.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("replayed refresh err = %v, want ErrTokenRevoked", err)
	}
	if _, err := iss.Refresh(ctx, next.RefreshToken); err != nil {
		t.Fatalf("rotated token refused: %v", err)
	}

	unknown, _ := testIssuer(time.Now()).Issue(ctx, "kiosk-1", RoleDevice)
	if _, err := iss.Refresh(ctx, unknown.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("unrecorded token err = %v, want ErrTokenRevoked", err)
	}
}

func TestDeviceAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	iss := testIssuer(time.Now())
	pair, _ := iss.Issue(context.Background(), "kiosk-1", RoleDevice)

	r := gin.New()
	r.GET("/whoami", DeviceAuth(iss), func(c *gin.Context) {
		claims, _ := FromContext(c)
		c.String(http.StatusOK, claims.Subject)
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"refresh token", "Bearer " + pair.RefreshToken, http.StatusUnauthorized},
		{"valid", "Bearer " + pair.AccessToken, http.StatusOK},
		{"lowercase scheme", "bearer " + pair.AccessToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusOK && w.Body.String() != "kiosk-1" {
				t.Fatalf("subject = %q", w.Body.String())
			}
		})
	}
}
