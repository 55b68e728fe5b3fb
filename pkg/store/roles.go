package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"

	"exchange-sla-tracker/pkg/constants"
	"exchange-sla-tracker/pkg/models"
)

// RoleStore keeps one set of user ids per role and a shared set of deactivated users
type RoleStore struct {
	rdb *redis.Client
}

func NewRoleStore(rdb *redis.Client) *RoleStore {
	return &RoleStore{rdb: rdb}
}

func roleKey(role models.Role) string {
	return constants.RoleKeyPrefix + string(role)
}

func (s *RoleStore) Assign(ctx context.Context, role models.Role, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	if err := s.rdb.SAdd(ctx, roleKey(role), members...).Err(); err != nil {
		return fmt.Errorf("failed to assign role %s: %w", role, err)
	}
	return nil
}

// SetActive toggles whether a user receives notifications for any role
func (s *RoleStore) SetActive(ctx context.Context, userID string, active bool) error {
	var err error
	if active {
		err = s.rdb.SRem(ctx, constants.InactiveUsersKey, userID).Err()
	} else {
		err = s.rdb.SAdd(ctx, constants.InactiveUsersKey, userID).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", userID, err)
	}
	return nil
}

// ActiveUsersWithRole returns the role's members minus deactivated users, sorted
func (s *RoleStore) ActiveUsersWithRole(ctx context.Context, role models.Role) ([]string, error) {
	users, err := s.rdb.SDiff(ctx, roleKey(role), constants.InactiveUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load users for role %s: %w", role, err)
	}
	sort.Strings(users)
	return users, nil
}
