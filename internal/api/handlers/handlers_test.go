package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/frostdev-ops/pma-cache-engine/pkg/errors"
)

func testContext(target string, header map[string]string) *gin.Context {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		c.Request.Header.Set(k, v)
	}
	return c
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", defaultLimit},
		{"?limit=5", 5},
		{"?limit=0", defaultLimit},
		{"?limit=-3", defaultLimit},
		{"?limit=abc", defaultLimit},
		{"?limit=100000", maxLimit},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLimit(testContext("/"+tt.query, nil), defaultLimit))
		})
	}
}

func TestUserIDPrefersQuery(t *testing.T) {
	assert.Equal(t, "u-header", userID(testContext("/", map[string]string{"X-User-ID": "u-header"})))
	assert.Equal(t, "u-query", userID(testContext("/?user_id=u-query", map[string]string{"X-User-ID": "u-header"})))
	assert.Equal(t, "", userID(testContext("/", nil)))
}

func TestBadRequestKeepsClassifiedErrors(t *testing.T) {
	plain := badRequest(fmt.Errorf("resource id is required"))
	assert.Equal(t, http.StatusBadRequest, apperrors.GetStatusCode(plain))
	assert.Equal(t, apperrors.CategoryValidation, apperrors.CategoryOf(plain))

	conflict := apperrors.NewEnhanced(http.StatusConflict, "already resolved", apperrors.CategoryConflict, apperrors.SeverityLow)
	assert.Same(t, conflict, badRequest(conflict))
}

func TestRuleBodyParsesDurations(t *testing.T) {
	rule, err := ruleBody{Pattern: "/api/x", MaxAge: "90s", TimeToLive: "2h"}.rule()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, rule.MaxAge)
	assert.Equal(t, 2*time.Hour, rule.TimeToLive)

	_, err = ruleBody{Pattern: "/api/x", MaxAge: "later"}.rule()
	assert.Error(t, err)
}
