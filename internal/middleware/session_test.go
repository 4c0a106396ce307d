package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/festival/internal/model"
)

// --- モック定義 ---

type mockValidator struct {
	validateFn   func(ctx context.Context, id string) (*model.Session, bool, error)
	invalidateFn func(ctx context.Context, id string) error
}

func (m *mockValidator) Validate(ctx context.Context, id string) (*model.Session, bool, error) {
	if m.validateFn != nil {
		return m.validateFn(ctx, id)
	}
	return nil, false, nil
}

func (m *mockValidator) Invalidate(ctx context.Context, id string) error {
	if m.invalidateFn != nil {
		return m.invalidateFn(ctx, id)
	}
	return nil
}

type mockUserFinder struct {
	findByIDFn func(ctx context.Context, id string) (*model.User, error)
}

func (m *mockUserFinder) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return &model.User{ID: id, DisplayName: "Alice"}, nil
}

type validationResults []string

func (v *validationResults) RecordSessionValidation(result string) {
	*v = append(*v, result)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func validSession(id string) *model.Session {
	return &model.Session{
		ID:        id,
		UserID:    "user-123",
		ExpiresAt: testNow.Add(20 * 24 * time.Hour),
	}
}

// serve はミドルウェアを通してリクエストを処理し、ハンドラーが受け取った本人情報を返す。
func serve(t *testing.T, mw func(http.Handler) http.Handler, cookieValue string) (*httptest.ResponseRecorder, Identity, bool) {
	t.Helper()

	var captured Identity
	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		captured = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if cookieValue != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: cookieValue})
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, captured, called
}

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// --- テスト ---

func TestSessionMiddleware_NoCookie_Anonymous(t *testing.T) {
	results := &validationResults{}
	mw := NewSessionMiddleware(&mockValidator{}, &mockUserFinder{}, CookieConfig{}, WithValidationRecorder(results))

	w, identity, called := serve(t, mw, "")

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, identity.Authenticated())
	assert.Nil(t, findCookie(w, SessionCookieName))
	assert.Equal(t, []string{ValidationAnonymous}, []string(*results))
}

func TestSessionMiddleware_ValidSession_InjectsIdentity(t *testing.T) {
	validator := &mockValidator{
		validateFn: func(ctx context.Context, id string) (*model.Session, bool, error) {
			if id == "valid-session-id" {
				return validSession(id), false, nil
			}
			return nil, false, nil
		},
	}
	mw := NewSessionMiddleware(validator, &mockUserFinder{}, CookieConfig{}, WithSessionClock(func() time.Time { return testNow }))

	w, identity, called := serve(t, mw, "valid-session-id")

	require.True(t, called)
	require.True(t, identity.Authenticated())
	assert.Equal(t, "user-123", identity.User.ID)
	assert.Equal(t, "valid-session-id", identity.Session.ID)
	assert.Nil(t, findCookie(w, SessionCookieName), "更新なしの場合はCookieを再発行しない")
}

func TestSessionMiddleware_RenewedSession_ReissuesCookie(t *testing.T) {
	renewedExpiry := testNow.Add(30 * 24 * time.Hour)
	validator := &mockValidator{
		validateFn: func(ctx context.Context, id string) (*model.Session, bool, error) {
			s := validSession(id)
			s.ExpiresAt = renewedExpiry
			return s, true, nil
		},
	}
	results := &validationResults{}
	mw := NewSessionMiddleware(validator, &mockUserFinder{}, CookieConfig{Secure: true},
		WithSessionClock(func() time.Time { return testNow }),
		WithValidationRecorder(results),
	)

	w, identity, called := serve(t, mw, "renew-me")

	require.True(t, called)
	assert.True(t, identity.Authenticated())

	cookie := findCookie(w, SessionCookieName)
	require.NotNil(t, cookie)
	assert.Equal(t, "renew-me", cookie.Value)
	assert.Equal(t, int((30 * 24 * time.Hour).Seconds()), cookie.MaxAge)
	assert.True(t, cookie.Expires.Equal(renewedExpiry))
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, []string{ValidationRenewed}, []string(*results))
}

func TestSessionMiddleware_InvalidSession_ClearsCookie(t *testing.T) {
	mw := NewSessionMiddleware(&mockValidator{}, &mockUserFinder{}, CookieConfig{})

	w, identity, called := serve(t, mw, "expired-session")

	assert.True(t, called, "無効なセッションでもリクエストは継続する")
	assert.False(t, identity.Authenticated())

	cookie := findCookie(w, SessionCookieName)
	require.NotNil(t, cookie)
	assert.Empty(t, cookie.Value)
	assert.Less(t, cookie.MaxAge, 0)
}

func TestSessionMiddleware_MissingUser_InvalidatesSession(t *testing.T) {
	invalidated := ""
	validator := &mockValidator{
		validateFn: func(ctx context.Context, id string) (*model.Session, bool, error) {
			return validSession(id), false, nil
		},
		invalidateFn: func(ctx context.Context, id string) error {
			invalidated = id
			return nil
		},
	}
	users := &mockUserFinder{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return nil, nil
		},
	}
	mw := NewSessionMiddleware(validator, users, CookieConfig{})

	w, identity, called := serve(t, mw, "orphan-session")

	assert.True(t, called)
	assert.False(t, identity.Authenticated())
	assert.Equal(t, "orphan-session", invalidated)
	cookie := findCookie(w, SessionCookieName)
	require.NotNil(t, cookie)
	assert.Empty(t, cookie.Value)
}

func TestSessionMiddleware_StorageError_Returns500(t *testing.T) {
	validator := &mockValidator{
		validateFn: func(ctx context.Context, id string) (*model.Session, bool, error) {
			return nil, false, &model.StorageError{Op: "find session", Err: errors.New("connection refused")}
		},
	}
	results := &validationResults{}
	mw := NewSessionMiddleware(validator, &mockUserFinder{}, CookieConfig{}, WithValidationRecorder(results))

	w, _, called := serve(t, mw, "any-session")

	assert.False(t, called, "StorageErrorの場合はハンドラーを呼ばない")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var body ErrorResponseBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeInternal, body.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
	assert.Equal(t, []string{ValidationError}, []string(*results))
}

func TestSessionMiddleware_UserStorageError_Returns500(t *testing.T) {
	validator := &mockValidator{
		validateFn: func(ctx context.Context, id string) (*model.Session, bool, error) {
			return validSession(id), false, nil
		},
	}
	users := &mockUserFinder{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return nil, &model.StorageError{Op: "find user by id", Err: errors.New("timeout")}
		},
	}
	mw := NewSessionMiddleware(validator, users, CookieConfig{})

	w, _, called := serve(t, mw, "any-session")

	assert.False(t, called)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSessionMiddleware_OtherError_DegradesToAnonymous(t *testing.T) {
	validator := &mockValidator{
		validateFn: func(ctx context.Context, id string) (*model.Session, bool, error) {
			return nil, false, errors.New("unexpected")
		},
	}
	mw := NewSessionMiddleware(validator, &mockUserFinder{}, CookieConfig{})

	w, identity, called := serve(t, mw, "any-session")

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, identity.Authenticated())

	cookie := findCookie(w, SessionCookieName)
	require.NotNil(t, cookie, "検証できないCookieは破棄する")
	assert.Empty(t, cookie.Value)
	assert.Less(t, cookie.MaxAge, 0)
}

func TestRequireUser_RedirectsAnonymousToLogin(t *testing.T) {
	handler := RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/favorites", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))
}

func TestRequireUser_PassesAuthenticated(t *testing.T) {
	called := false
	handler := RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/favorites", nil)
	req = req.WithContext(ContextWithIdentity(req.Context(), Identity{
		User:    &model.User{ID: "user-1"},
		Session: &model.Session{ID: "s"},
	}))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, called)
}

func TestRequireAPIUser_Returns401JSON(t *testing.T) {
	handler := RequireAPIUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var body ErrorResponseBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeUnauthorized, body.Code)
}

func TestUserIDFromContext(t *testing.T) {
	_, err := UserIDFromContext(context.Background())
	assert.ErrorIs(t, err, model.ErrNotAuthenticated)

	ctx := ContextWithIdentity(context.Background(), Identity{
		User:    &model.User{ID: "user-456"},
		Session: &model.Session{ID: "s"},
	})
	userID, err := UserIDFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-456", userID)
}

func TestFingerprint_DoesNotExposeFullID(t *testing.T) {
	id := "0123456789abcdef0123456789abcdef"

	fp := Fingerprint(id)

	assert.NotEqual(t, id, fp)
	assert.Contains(t, fp, "01234567")
	assert.Equal(t, "***", Fingerprint("abc"))
}
