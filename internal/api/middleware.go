package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/gmsas95/medminder/internal/errors"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps an application error onto an HTTP status
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrDuplicateEntry), errors.Is(err, apperrors.ErrAlreadyNotified):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Code: apperrors.GetCode(err)}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		resp.Code = ""
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err))
		if !errors.Is(err, apperrors.ErrStorage) {
			resp.Error = "internal error"
		}
	}
	return c.Status(status).JSON(resp)
}

// requestLogger logs each request and feeds the HTTP metrics
func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = statusFor(err)
		}
		elapsed := time.Since(start)

		route := c.Route().Path
		s.metrics.ObserveHTTP(c.Method(), route, status, elapsed)
		s.logger.Debug("HTTP request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", elapsed))
		return err
	}
}

func (s *Server) authMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !s.config.Security.AuthEnabled {
			return c.Next()
		}

		auth := c.Get(fiber.HeaderAuthorization)
		tokenString := strings.TrimPrefix(auth, "Bearer ")
		if tokenString == "" {
			// browsers cannot set headers on a websocket handshake
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			return apperrors.New(apperrors.ErrUnauthorized.Code, "missing authorization header")
		}

		token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
			return []byte(s.config.Security.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			return apperrors.New(apperrors.ErrUnauthorized.Code, "invalid token")
		}

		if sub, err := token.Claims.GetSubject(); err == nil {
			c.Locals("subject", sub)
		}
		return c.Next()
	}
}
