package pkg

import (
	"errors"
	"fmt"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/cutoverd/cutover/internal/auth"
	"github.com/cutoverd/cutover/pkg/api"
	"github.com/cutoverd/cutover/pkg/models"
	"github.com/cutoverd/cutover/pkg/utils"
)

const listDeploymentsLimit = 50

func (s *Server) ConfigCheck(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		zap.S().Debugf("Failed to get claims: %v", err)
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	if claims.Role != "admin" {
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Forbidden")})
	}
	return ctx.NoContent(200)
}

func (s *Server) ListEnvironments(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	zap.S().Debugf("Environment list request from %s", claims.Subject)

	envs := s.envs.GetAll()
	envsResp := make([]api.EnvironmentResponse, 0)
	for _, env := range envs {
		if !claims.CanDeploy(env.Name) {
			continue
		}
		resp := api.EnvironmentResponse{
			Name:      env.Name,
			Protected: env.Protected,
		}
		rec, err := models.GetEnvironmentRecord(s.db, env.Name)
		if err == nil {
			if rec.LastGoodBackupRef != "" {
				resp.LastGoodBackupRef = utils.Ptr(rec.LastGoodBackupRef)
			}
			if rec.LastDeployedRef != "" {
				resp.LastDeployedRef = utils.Ptr(rec.LastDeployedRef)
			}
		} else if !errors.Is(err, models.ErrNotFound) {
			zap.S().Errorf("Failed to get environment record for %s: %v", env.Name, err)
		}
		envsResp = append(envsResp, resp)
	}

	return ctx.JSON(200, envsResp)
}

func (s *Server) ListDeployments(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	env := ctx.QueryParam("environment")
	if env != "" && !claims.CanDeploy(env) {
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	attempts, err := models.GetAttempts(s.db, env, listDeploymentsLimit)
	if err != nil {
		zap.S().Errorf("Failed to list attempts: %v", err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to list attempts: %v", err))})
	}

	attemptsResp := make([]api.AttemptResponse, 0, len(attempts))
	for i := range attempts {
		if !claims.CanDeploy(attempts[i].Environment) {
			continue
		}
		attemptsResp = append(attemptsResp, attemptResponse(&attempts[i]))
	}

	return ctx.JSON(200, attemptsResp)
}
