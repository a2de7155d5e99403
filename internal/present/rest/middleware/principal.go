package middleware

import (
	"context"
	stderrors "errors"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/virelle/corpus/internal/domain"
	"github.com/virelle/corpus/internal/infrastructure/database/models"
	"github.com/virelle/corpus/internal/service/security"
)

var tracer = otel.Tracer("auth")

type principalKey struct{}

// PrincipalFrom recovers the caller identity attached by Identify. The
// anonymous principal is returned when no identity was presented.
func PrincipalFrom(ctx context.Context) domain.Principal {
	if p, ok := ctx.Value(principalKey{}).(domain.Principal); ok {
		return p
	}
	return domain.AnonymousPrincipal
}

type PrincipalMiddleware struct {
	db     *gorm.DB
	oracle *security.Oracle
}

func NewPrincipalMiddleware(db *gorm.DB, oracle *security.Oracle) *PrincipalMiddleware {
	return &PrincipalMiddleware{db: db, oracle: oracle}
}

// Identify resolves the X-User-ID header against the user table and flags
// admins as managers. Deployments terminate real authentication in front
// of this service; an absent or unknown header yields the anonymous
// principal.
func (m *PrincipalMiddleware) Identify(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, span := tracer.Start(c.Request().Context(), "Principal.Identify")
		defer span.End()

		p := domain.AnonymousPrincipal

		header := c.Request().Header.Get("X-User-ID")
		if header != "" {
			id, err := strconv.ParseUint(header, 10, 64)
			if err != nil {
				span.RecordError(err)
			} else {
				var user models.User
				err := m.db.WithContext(ctx).First(&user, uint(id)).Error
				switch {
				case stderrors.Is(err, gorm.ErrRecordNotFound):
					// Unknown ids fall back to anonymous.
				case err != nil:
					span.RecordError(err)
				default:
					p = domain.Principal{UserID: user.ID, Name: user.Name}
					isAdmin, err := m.oracle.HasRole(ctx, m.db, p, domain.Admin, nil)
					if err != nil {
						span.RecordError(err)
					}
					p.Manager = isAdmin
				}
			}
		}

		span.SetAttributes(attribute.String("principal", p.Token()))
		ctx = context.WithValue(ctx, principalKey{}, p)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}
