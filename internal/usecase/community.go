package usecase

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/virelle/corpus/internal/domain"
	"github.com/virelle/corpus/internal/infrastructure/database"
	"github.com/virelle/corpus/internal/infrastructure/database/models"
)

// MembershipOracle extends the access oracle with role bookkeeping.
type MembershipOracle interface {
	AccessOracle
	Grant(ctx context.Context, db *gorm.DB, userID uint, role domain.Role, objectKey *string) error
	Revoke(ctx context.Context, db *gorm.DB, userID uint, role domain.Role, objectKey *string) error
	HasRole(ctx context.Context, db *gorm.DB, p domain.Principal, role domain.Role, objectKey *string) (bool, error)
}

type CreateCommunityInput struct {
	Name        string
	Description string
}

type CommunityUsecase struct {
	sessions func() *database.Session
	oracle   MembershipOracle
}

func NewCommunityUsecase(sessions func() *database.Session, oracle MembershipOracle) *CommunityUsecase {
	return &CommunityUsecase{sessions: sessions, oracle: oracle}
}

// Create opens a community; the creator becomes its first manager.
func (uc *CommunityUsecase) Create(ctx context.Context, p domain.Principal, input CreateCommunityInput) (*models.Community, error) {
	if p.IsAnonymous() {
		return nil, ErrForbidden
	}
	if input.Name == "" {
		return nil, &domain.ValidationError{Reason: "community name is required"}
	}

	session := uc.sessions()
	if err := session.Begin(); err != nil {
		return nil, err
	}
	defer session.Rollback()

	community := &models.Community{
		Entity: models.Entity{
			Name:      input.Name,
			CreatorID: p.UserID,
			OwnerID:   p.UserID,
			Meta:      datatypes.JSONMap{},
		},
		Description: input.Description,
	}
	if err := session.DB(ctx).Create(community).Error; err != nil {
		return nil, errors.Wrap(err, "create community")
	}

	if err := uc.addMember(ctx, session, community.ID, p.UserID, domain.Manager.Name); err != nil {
		return nil, err
	}
	if err := session.Commit(ctx); err != nil {
		return nil, err
	}
	return community, nil
}

// AddMember enrolls a user. Only community managers (or global managers)
// may do this.
func (uc *CommunityUsecase) AddMember(ctx context.Context, p domain.Principal, communityID, userID uint, role string) error {
	if role != domain.Member.Name && role != domain.Manager.Name {
		return &domain.ValidationError{Reason: "unknown membership role"}
	}

	session := uc.sessions()
	if err := session.Begin(); err != nil {
		return err
	}
	defer session.Rollback()

	if err := uc.requireManager(ctx, session, p, communityID); err != nil {
		return err
	}
	if err := uc.addMember(ctx, session, communityID, userID, role); err != nil {
		return err
	}
	return session.Commit(ctx)
}

func (uc *CommunityUsecase) addMember(ctx context.Context, session *database.Session, communityID, userID uint, role string) error {
	membership := models.Membership{
		CommunityID: communityID,
		UserID:      userID,
		Role:        role,
		CDate:       time.Now(),
	}
	if err := session.DB(ctx).Create(&membership).Error; err != nil {
		return errors.Wrap(err, "create membership")
	}

	// The membership role is global so search role filters see it without
	// per-object lookups.
	if err := uc.oracle.Grant(ctx, session.DB(ctx), userID, domain.CommunityMemberRole(communityID), nil); err != nil {
		return err
	}
	if role == domain.Manager.Name {
		if err := uc.oracle.Grant(ctx, session.DB(ctx), userID, domain.CommunityManagerRole(communityID), nil); err != nil {
			return err
		}
	}
	return nil
}

// RemoveMember withdraws a user and their community roles.
func (uc *CommunityUsecase) RemoveMember(ctx context.Context, p domain.Principal, communityID, userID uint) error {
	session := uc.sessions()
	if err := session.Begin(); err != nil {
		return err
	}
	defer session.Rollback()

	if err := uc.requireManager(ctx, session, p, communityID); err != nil {
		return err
	}

	err := session.DB(ctx).
		Where("community_id = ? AND user_id = ?", communityID, userID).
		Delete(&models.Membership{}).Error
	if err != nil {
		return errors.Wrap(err, "delete membership")
	}

	if err := uc.oracle.Revoke(ctx, session.DB(ctx), userID, domain.CommunityMemberRole(communityID), nil); err != nil {
		return err
	}
	if err := uc.oracle.Revoke(ctx, session.DB(ctx), userID, domain.CommunityManagerRole(communityID), nil); err != nil {
		return err
	}
	return session.Commit(ctx)
}

// Get returns one community with its memberships.
func (uc *CommunityUsecase) Get(ctx context.Context, id uint) (*models.Community, error) {
	session := uc.sessions()
	var community models.Community
	err := session.DB(ctx).
		Preload("Memberships").
		Preload("Memberships.User").
		First(&community, id).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFoundError{Resource: "community"}
	}
	if err != nil {
		return nil, errors.Wrap(err, "load community")
	}
	return &community, nil
}

func (uc *CommunityUsecase) requireManager(ctx context.Context, session *database.Session, p domain.Principal, communityID uint) error {
	if p.Manager {
		return nil
	}
	ok, err := uc.oracle.HasRole(ctx, session.DB(ctx), p, domain.CommunityManagerRole(communityID), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}
