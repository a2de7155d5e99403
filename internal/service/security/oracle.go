// Package security answers the access-control questions the rest of the
// core asks: which roles a permission requires, which roles a principal
// holds, and which tokens make an object findable in search.
package security

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/virelle/corpus/internal/domain"
	"github.com/virelle/corpus/internal/infrastructure/database/models"
)

var tracer = otel.Tracer("security")

// Oracle resolves roles and permissions from the assignment tables. Lookups
// are cached briefly; mutate assignments through Grant/Revoke so the cache
// stays honest.
type Oracle struct {
	cache *gocache.Cache
}

func NewOracle() *Oracle {
	return &Oracle{
		cache: gocache.New(30*time.Second, 5*time.Minute),
	}
}

// PermittedRoles returns the roles granted a permission on an object,
// including grants not scoped to any object. The admin role is always
// permitted.
func (o *Oracle) PermittedRoles(ctx context.Context, db *gorm.DB, perm domain.Permission, objectKey *string) ([]domain.Role, error) {
	ctx, span := tracer.Start(ctx, "Oracle.PermittedRoles")
	defer span.End()

	key := fmt.Sprintf("perm/%s/%s", perm, derefKey(objectKey))
	if cached, ok := o.cache.Get(key); ok {
		return cached.([]domain.Role), nil
	}

	var rows []models.PermissionAssignment
	q := db.WithContext(ctx).Where("permission = ?", string(perm))
	if objectKey == nil {
		q = q.Where("object_key IS NULL")
	} else {
		q = q.Where("object_key IS NULL OR object_key = ?", *objectKey)
	}
	if err := q.Find(&rows).Error; err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "load permission assignments")
	}

	roles := []domain.Role{domain.Admin}
	seen := map[string]bool{domain.Admin.Name: true}
	for _, row := range rows {
		if seen[row.Role] {
			continue
		}
		seen[row.Role] = true
		roles = append(roles, domain.ParseRole(row.Role))
	}

	o.cache.SetDefault(key, roles)
	return roles, nil
}

// RolesOf returns every role a principal holds with respect to an object:
// the anonymous/authenticated pseudo roles plus explicit assignments, both
// object-scoped and global.
func (o *Oracle) RolesOf(ctx context.Context, db *gorm.DB, p domain.Principal, objectKey *string) ([]domain.Role, error) {
	ctx, span := tracer.Start(ctx, "Oracle.RolesOf")
	defer span.End()

	roles := []domain.Role{domain.Anonymous}
	if p.IsAnonymous() {
		return roles, nil
	}
	roles = append(roles, domain.Authenticated)

	key := fmt.Sprintf("roles/%d/%s", p.UserID, derefKey(objectKey))
	if cached, ok := o.cache.Get(key); ok {
		return append(roles, cached.([]domain.Role)...), nil
	}

	var rows []models.RoleAssignment
	q := db.WithContext(ctx).Where("user_id = ?", p.UserID)
	if objectKey == nil {
		q = q.Where("object_key IS NULL")
	} else {
		q = q.Where("object_key IS NULL OR object_key = ?", *objectKey)
	}
	if err := q.Find(&rows).Error; err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "load role assignments")
	}

	assigned := make([]domain.Role, 0, len(rows))
	for _, row := range rows {
		assigned = append(assigned, domain.ParseRole(row.Role))
	}
	o.cache.SetDefault(key, assigned)
	return append(roles, assigned...), nil
}

// HasRole reports whether the principal holds the role, directly or through
// the pseudo roles.
func (o *Oracle) HasRole(ctx context.Context, db *gorm.DB, p domain.Principal, role domain.Role, objectKey *string) (bool, error) {
	held, err := o.RolesOf(ctx, db, p, objectKey)
	if err != nil {
		return false, err
	}
	for _, r := range held {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

// HasPermission reports whether the principal may perform the action on the
// object. Owner and creator identity count as holding the matching roles.
func (o *Oracle) HasPermission(ctx context.Context, db *gorm.DB, p domain.Principal, perm domain.Permission, objectKey *string, creatorID, ownerID uint) (bool, error) {
	ctx, span := tracer.Start(ctx, "Oracle.HasPermission")
	defer span.End()

	permitted, err := o.PermittedRoles(ctx, db, perm, objectKey)
	if err != nil {
		return false, err
	}
	held, err := o.RolesOf(ctx, db, p, objectKey)
	if err != nil {
		return false, err
	}
	heldSet := make(map[domain.Role]bool, len(held)+2)
	for _, r := range held {
		heldSet[r] = true
	}
	if !p.IsAnonymous() {
		if p.UserID == creatorID {
			heldSet[domain.Creator] = true
		}
		if p.UserID == ownerID {
			heldSet[domain.Owner] = true
		}
	}
	for _, r := range permitted {
		if heldSet[r] {
			return true, nil
		}
	}
	return false, nil
}

// Grant records a role assignment and drops the affected cache entries.
func (o *Oracle) Grant(ctx context.Context, db *gorm.DB, userID uint, role domain.Role, objectKey *string) error {
	if !role.Assignable() {
		return &domain.ValidationError{Reason: fmt.Sprintf("role %q cannot be assigned", role.Name)}
	}
	row := models.RoleAssignment{UserID: userID, Role: role.Name, ObjectKey: objectKey}
	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrap(err, "grant role")
	}
	o.cache.Flush()
	return nil
}

// Revoke removes a role assignment and drops the affected cache entries.
func (o *Oracle) Revoke(ctx context.Context, db *gorm.DB, userID uint, role domain.Role, objectKey *string) error {
	q := db.WithContext(ctx).Where("user_id = ? AND role = ?", userID, role.Name)
	if objectKey == nil {
		q = q.Where("object_key IS NULL")
	} else {
		q = q.Where("object_key = ?", *objectKey)
	}
	if err := q.Delete(&models.RoleAssignment{}).Error; err != nil {
		return errors.Wrap(err, "revoke role")
	}
	o.cache.Flush()
	return nil
}

// GrantPermission opens an action to a role, globally or on one object.
func (o *Oracle) GrantPermission(ctx context.Context, db *gorm.DB, role domain.Role, perm domain.Permission, objectKey *string) error {
	row := models.PermissionAssignment{Role: role.Name, Permission: string(perm), ObjectKey: objectKey}
	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrap(err, "grant permission")
	}
	o.cache.Flush()
	return nil
}

// RevokePermission removes a permission grant.
func (o *Oracle) RevokePermission(ctx context.Context, db *gorm.DB, role domain.Role, perm domain.Permission, objectKey *string) error {
	q := db.WithContext(ctx).Where("role = ? AND permission = ?", role.Name, string(perm))
	if objectKey == nil {
		q = q.Where("object_key IS NULL")
	} else {
		q = q.Where("object_key = ?", *objectKey)
	}
	if err := q.Delete(&models.PermissionAssignment{}).Error; err != nil {
		return errors.Wrap(err, "revoke permission")
	}
	o.cache.Flush()
	return nil
}

// IndexableTokens computes the allowed_roles_and_users field for an object:
// the tokens of every role permitted to read it, expanded so that derived
// roles become the concrete users holding them. An object with no read
// grants at all is treated as publicly readable.
func (o *Oracle) IndexableTokens(ctx context.Context, db *gorm.DB, objectKey string, creatorID, ownerID uint) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Oracle.IndexableTokens")
	defer span.End()

	permitted, err := o.PermittedRoles(ctx, db, domain.PermissionRead, &objectKey)
	if err != nil {
		return nil, err
	}
	// PermittedRoles always includes admin; a single entry means nothing
	// was granted explicitly.
	if len(permitted) == 1 {
		permitted = append(permitted, domain.Anonymous)
	}

	tokens := make([]string, 0, len(permitted))
	seen := map[string]bool{}
	add := func(tok string) {
		if !seen[tok] {
			seen[tok] = true
			tokens = append(tokens, tok)
		}
	}

	for _, role := range permitted {
		switch {
		case role == domain.Creator:
			if creatorID != 0 {
				add(domain.Principal{UserID: creatorID}.Token())
			}
		case role == domain.Owner:
			if ownerID != 0 {
				add(domain.Principal{UserID: ownerID}.Token())
			}
		case role.Kind == domain.RoleKindAnonymous || role.Kind == domain.RoleKindAuthenticated:
			add(role.Token())
		default:
			add(role.Token())
			holders, err := o.roleHolders(ctx, db, role, objectKey)
			if err != nil {
				return nil, err
			}
			for _, id := range holders {
				add(domain.Principal{UserID: id}.Token())
			}
		}
	}
	return tokens, nil
}

func (o *Oracle) roleHolders(ctx context.Context, db *gorm.DB, role domain.Role, objectKey string) ([]uint, error) {
	var ids []uint
	err := db.WithContext(ctx).
		Model(&models.RoleAssignment{}).
		Where("role = ? AND (object_key IS NULL OR object_key = ?)", role.Name, objectKey).
		Distinct().
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "load role holders")
	}
	return ids, nil
}

func derefKey(k *string) string {
	if k == nil {
		return "*"
	}
	return *k
}
