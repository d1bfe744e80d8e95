package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exchange/internal/bank"
	"github.com/ksred/klear-exchange/internal/database"
	"github.com/ksred/klear-exchange/internal/events"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *bank.Simulated) {
	t.Helper()
	ledger := bank.NewSimulated()
	return NewService(database.NewTestDatabase(t), ledger, "test-secret"), ledger
}

func TestSignup(t *testing.T) {
	s, ledger := newTestService(t)
	ctx := context.Background()

	user, err := s.Signup(ctx, " alice ", "bank-alice")
	require.NoError(t, err)
	assert.NotZero(t, user.ID)
	assert.Equal(t, "alice", user.Name)

	_, err = s.Signup(ctx, "alice again", "bank-alice")
	assert.ErrorIs(t, err, types.ErrUserConflict)

	_, err = s.Signup(ctx, "", "bank-bob")
	assert.ErrorIs(t, err, types.ErrInvalidUser)

	ledger.FailNext("check", bank.ErrRejected)
	_, err = s.Signup(ctx, "mallory", "no-such-customer")
	assert.ErrorIs(t, err, types.ErrUserNotFound)

	ledger.FailNext("check", bank.ErrUnavailable)
	_, err = s.Signup(ctx, "bob", "bank-bob")
	assert.ErrorIs(t, err, types.ErrBankGatewayUnavailable)

	bankID, err := s.BankID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "bank-alice", bankID)

	_, err = s.BankID(ctx, 999)
	assert.ErrorIs(t, err, types.ErrUserNotFound)
}

type recorder []events.Event

func (r *recorder) Publish(_ context.Context, evs ...events.Event) error {
	*r = append(*r, evs...)
	return nil
}

func TestSignup_PublishesEvent(t *testing.T) {
	published := &recorder{}
	s := NewService(database.NewTestDatabase(t), bank.NewSimulated(), "test-secret", WithPublisher(published))

	user, err := s.Signup(context.Background(), "alice", "bank-alice")
	require.NoError(t, err)
	require.Len(t, *published, 1)
	assert.Equal(t, events.TypeSignup, (*published)[0].Type)
	assert.Equal(t, user.ID, (*published)[0].UserID)

	_, err = s.Signup(context.Background(), "alice", "bank-alice")
	require.Error(t, err)
	assert.Len(t, *published, 1)
}

func TestIssueAndValidateToken(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	user, err := s.Signup(ctx, "alice", "bank-alice")
	require.NoError(t, err)

	token, err := s.IssueToken(ctx, "bank-alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, token.UserID)

	claims, err := s.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, "bank-alice", claims.BankID)

	other := NewService(database.NewTestDatabase(t), bank.NewSimulated(), "other-secret")
	_, err = other.ValidateToken(token.Token)
	assert.Error(t, err)

	_, err = s.IssueToken(ctx, "bank-unknown")
	assert.ErrorIs(t, err, types.ErrUserNotFound)
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, _ := newTestService(t)
	h := NewGinHandlers(s)
	router := gin.New()
	router.POST("/signup", h.SignupHandler())
	router.POST("/token", h.GenerateTokenHandler())

	post := func(path string, body interface{}) *httptest.ResponseRecorder {
		payload, _ := json.Marshal(body)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusCreated, post("/signup", gin.H{"name": "alice", "bank_id": "bank-alice"}).Code)
	assert.Equal(t, http.StatusConflict, post("/signup", gin.H{"name": "alice", "bank_id": "bank-alice"}).Code)
	assert.Equal(t, http.StatusBadRequest, post("/signup", gin.H{"name": "alice"}).Code)

	w := post("/token", gin.H{"bank_id": "bank-alice"})
	require.Equal(t, http.StatusCreated, w.Code)
	var body struct {
		Data TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Data.Token)

	assert.Equal(t, http.StatusUnauthorized, post("/token", gin.H{"bank_id": "bank-nobody"}).Code)
}
