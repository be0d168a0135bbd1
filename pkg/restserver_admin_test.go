package pkg

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cutoverd/cutover/internal/auth"
	"github.com/cutoverd/cutover/pkg/api"
	"github.com/cutoverd/cutover/pkg/models"
)

// ---------------------------------------------------------------------------
// ConfigCheck
// ---------------------------------------------------------------------------

func TestConfigCheck_Admin(t *testing.T) {
	ts := newTestServer(t)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/admin/config-check", adminClaims(), "")
	err := ts.srv.ConfigCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfigCheck_NonAdminForbidden(t *testing.T) {
	ts := newTestServer(t)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/admin/config-check", stagingClaims(), "")
	err := ts.srv.ConfigCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConfigCheck_Unauthorized(t *testing.T) {
	ts := newTestServer(t)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/admin/config-check", nil, "")
	err := ts.srv.ConfigCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// ---------------------------------------------------------------------------
// ListEnvironments
// ---------------------------------------------------------------------------

func TestListEnvironments_AdminSeesAll(t *testing.T) {
	ts := newTestServer(t, stagingEnv(), productionEnv())

	require.NoError(t, models.SaveLastGoodBackup(ts.srv.db, "staging", "backup-staging-1234"))
	require.NoError(t, models.SaveLastDeployedRef(ts.srv.db, "staging", "app:1.2.3"))

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/environments", adminClaims(), "")
	err := ts.srv.ListEnvironments(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp []api.EnvironmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)

	byName := make(map[string]api.EnvironmentResponse)
	for _, e := range resp {
		byName[e.Name] = e
	}
	require.Contains(t, byName, "staging")
	require.Contains(t, byName, "production")
	assert.Equal(t, "backup-staging-1234", *byName["staging"].LastGoodBackupRef)
	assert.Equal(t, "app:1.2.3", *byName["staging"].LastDeployedRef)
	assert.True(t, byName["production"].Protected)
	assert.Nil(t, byName["production"].LastGoodBackupRef)
}

func TestListEnvironments_FilteredByClaims(t *testing.T) {
	ts := newTestServer(t, stagingEnv(), productionEnv())

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/environments", stagingClaims(), "")
	err := ts.srv.ListEnvironments(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp []api.EnvironmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "staging", resp[0].Name)
}

func TestListEnvironments_Unauthorized(t *testing.T) {
	ts := newTestServer(t, stagingEnv())

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/environments", nil, "")
	err := ts.srv.ListEnvironments(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// ---------------------------------------------------------------------------
// ListDeployments
// ---------------------------------------------------------------------------

func TestListDeployments_FilterByEnvironment(t *testing.T) {
	ts := newTestServer(t, stagingEnv(), productionEnv())

	_, err := models.CreateAttempt(ts.srv.db, "staging", "app:1", "direct", time.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = models.CreateAttempt(ts.srv.db, "production", "app:2", "blue-green", time.Now().Add(time.Minute))
	require.NoError(t, err)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/deployments?environment=staging", adminClaims(), "")
	ctx.QueryParams().Set("environment", "staging")
	err = ts.srv.ListDeployments(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp []api.AttemptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "staging", resp[0].Environment)
	assert.Equal(t, "app:1", resp[0].ArtifactRef)
}

func TestListDeployments_ClaimsHideForeignEnvironments(t *testing.T) {
	ts := newTestServer(t, stagingEnv(), productionEnv())

	_, err := models.CreateAttempt(ts.srv.db, "staging", "app:1", "direct", time.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = models.CreateAttempt(ts.srv.db, "production", "app:2", "direct", time.Now().Add(time.Minute))
	require.NoError(t, err)

	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/deployments", stagingClaims(), "")
	err = ts.srv.ListDeployments(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp []api.AttemptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "staging", resp[0].Environment)
}

func TestListDeployments_ForbiddenEnvironmentParam(t *testing.T) {
	ts := newTestServer(t, stagingEnv(), productionEnv())

	claims := &auth.Claims{Role: "deployer", Environments: []string{"staging"}}
	ctx, rec := echoCtxWithClaimsAndBody(http.MethodGet, "/deployments?environment=production", claims, "")
	ctx.QueryParams().Set("environment", "production")

	err := ts.srv.ListDeployments(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
