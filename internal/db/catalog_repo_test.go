package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"creditledger/internal/types"
)

func TestActionCatalogRepo_GetAction_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewActionCatalogRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "act_1"
			*dest[1].(*string) = "generate_scene"
			*dest[2].(*int) = 5
			*dest[3].(*bool) = true
			return nil
		}})

	a, err := repo.GetAction(context.Background(), "generate_scene")
	require.NoError(t, err)
	assert.Equal(t, "act_1", a.ID)
	assert.Equal(t, 5, a.BaseCreditCost)
}

func TestActionCatalogRepo_GetAction_Unknown(t *testing.T) {
	db := new(mockDBTX)
	repo := NewActionCatalogRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	a, err := repo.GetAction(context.Background(), "does_not_exist")
	require.Error(t, err)
	assert.Nil(t, a)
	assert.Equal(t, types.ErrCodeUnknownAction, types.CodeOf(err))
}

func TestActionCatalogRepo_GetAction_Inactive(t *testing.T) {
	db := new(mockDBTX)
	repo := NewActionCatalogRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "act_2"
			*dest[1].(*string) = "legacy_export"
			*dest[2].(*int) = 1
			*dest[3].(*bool) = false
			return nil
		}})

	_, err := repo.GetAction(context.Background(), "legacy_export")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInactiveAction, types.CodeOf(err))
}

func TestActionCatalogRepo_GetPlanConfig_MissingIsNil(t *testing.T) {
	db := new(mockDBTX)
	repo := NewActionCatalogRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	cfg, err := repo.GetPlanConfig(context.Background(), "plan_free", "act_1")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestActionCatalogRepo_GetPlanConfig_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewActionCatalogRepo(db)

	monthly := 100
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "plan_pro"
			*dest[1].(*string) = "act_1"
			*dest[2].(*int) = 3
			*dest[3].(**int) = &monthly
			*dest[4].(**int) = nil
			return nil
		}})

	cfg, err := repo.GetPlanConfig(context.Background(), "plan_pro", "act_1")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 3, cfg.CreditCost)
	require.NotNil(t, cfg.MonthlyLimit)
	assert.Equal(t, 100, *cfg.MonthlyLimit)
	assert.Nil(t, cfg.DailyLimit)
}

func TestActionCatalogRepo_GetPlan_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewActionCatalogRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetPlan(context.Background(), "plan_unknown")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}
