package promotion

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kubeflow/component-release/pkg/release/semver"
	"github.com/kubeflow/component-release/pkg/release/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	s := store.New(db, "")
	require.NoError(t, s.AutoMigrate())
	return s
}

// seed creates product "app" with one component and a dev release per version.
func seed(t *testing.T, s *store.Store, versions ...string) {
	t.Helper()
	ctx := context.Background()
	product, err := s.UpsertProduct(ctx, "app", "App")
	require.NoError(t, err)
	envs, err := s.EnsureEnvironments(ctx, []string{"dev", "staging", "prod"})
	require.NoError(t, err)
	c, err := s.UpsertComponent(ctx, &store.ComponentRecord{
		ProductID:     product.ID,
		ComponentKey:  "app:file:main.go",
		ComponentType: "file",
		IsActive:      true,
	})
	require.NoError(t, err)
	rev := &store.ComponentRevisionRecord{ComponentID: c.ID, ContentHash: "h", LifecycleAction: store.LifecycleCreated, Source: store.SourceBaseline}
	require.NoError(t, s.CreateRevision(ctx, rev))

	for _, v := range versions {
		rel := &store.ReleaseRecord{
			ProductID:     product.ID,
			EnvironmentID: envs[0].ID,
			Metadata:      datatypes.NewJSONType(store.ReleaseMetadata{Origin: store.OriginChangeset}),
		}
		rel.SetVersion(semver.MustParse(v))
		require.NoError(t, s.CreateReleaseWithSnapshot(ctx, rel, map[string]string{c.ID: rev.ID}))
	}
}

func TestRecorder_Promote(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s, "0.1.0", "0.2.0")
	r := New(s, nil)

	res, err := r.Promote(ctx, PromoteRequest{Product: "app", FromEnv: "dev", ToEnv: "staging", Semver: "0.2.0", Actor: "alice", Notes: "weekly"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "0.2.0", res.Semver)
	assert.NotEmpty(t, res.ReleaseID)

	again, err := r.Promote(ctx, PromoteRequest{Product: "app", FromEnv: "dev", ToEnv: "staging", Semver: "v0.2.0", Actor: "alice"})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.ReleaseID, again.ReleaseID)

	_, err = r.Promote(ctx, PromoteRequest{Product: "app", FromEnv: "dev", ToEnv: "staging", Semver: "0.1.0", Actor: "alice"})
	assert.ErrorIs(t, err, store.ErrSemverRegression)

	_, err = r.Promote(ctx, PromoteRequest{Product: "app", FromEnv: "dev", ToEnv: "prod", Semver: "0.9.0", Actor: "alice"})
	assert.ErrorIs(t, err, ErrReleaseNotFound)
}

func TestRecorder_PromoteValidation(t *testing.T) {
	r := New(newTestStore(t), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  PromoteRequest
		want string
	}{
		{"missing product", PromoteRequest{FromEnv: "dev", ToEnv: "staging", Semver: "1.0.0", Actor: "a"}, "required"},
		{"same env", PromoteRequest{Product: "app", FromEnv: "dev", ToEnv: "dev", Semver: "1.0.0", Actor: "a"}, "must differ"},
		{"missing actor", PromoteRequest{Product: "app", FromEnv: "dev", ToEnv: "prod", Semver: "1.0.0"}, "actor is required"},
		{"bad semver", PromoteRequest{Product: "app", FromEnv: "dev", ToEnv: "prod", Semver: "1.0", Actor: "a"}, "invalid semver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Promote(ctx, tt.req)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRecorder_RecordDeployment(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s, "0.2.0")
	r := New(s, nil)

	_, err := r.Promote(ctx, PromoteRequest{Product: "app", FromEnv: "dev", ToEnv: "staging", Semver: "0.2.0", Actor: "alice"})
	require.NoError(t, err)

	_, err = r.RecordDeployment(ctx, DeploymentRequest{Product: "app", Environment: "dev", Semver: "0.2.0", DeploymentID: "d-1", Status: StatusSuccess})
	assert.ErrorIs(t, err, ErrLowestTier)

	_, err = r.RecordDeployment(ctx, DeploymentRequest{Product: "app", Environment: "prod", Semver: "0.2.0", DeploymentID: "d-1", Status: StatusSuccess})
	assert.ErrorIs(t, err, ErrReleaseNotFound)

	_, err = r.RecordDeployment(ctx, DeploymentRequest{Product: "nope", Environment: "staging", Semver: "0.2.0", DeploymentID: "d-1", Status: StatusSuccess})
	assert.ErrorIs(t, err, ErrReleaseNotFound)

	_, err = r.RecordDeployment(ctx, DeploymentRequest{Product: "app", Environment: "staging", Semver: "0.2.0", DeploymentID: "d-1", Status: "exploded"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid deployment status")

	failed, err := r.RecordDeployment(ctx, DeploymentRequest{Product: "app", Environment: "staging", Semver: "0.2.0", DeploymentID: "d-1", Status: StatusFailed, Actor: "ci"})
	require.NoError(t, err)
	assert.Equal(t, store.ReleaseValidated, failed.ReleaseStatus)

	ok, err := r.RecordDeployment(ctx, DeploymentRequest{
		Product:      "app",
		Environment:  "staging",
		Semver:       "0.2.0",
		DeploymentID: "d-2",
		Status:       StatusSuccess,
		LogsURL:      "https://ci.example.com/d-2",
		Actor:        "ci",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ReleaseDeployed, ok.ReleaseStatus)

	deployments, err := s.ListDeployments(ctx, ok.ReleaseID)
	require.NoError(t, err)
	require.Len(t, deployments, 2)
	urls := []string{deployments[0].LogsURL, deployments[1].LogsURL}
	assert.Contains(t, urls, "https://ci.example.com/d-2")

	events, err := s.ListAudit(ctx, "app", 0)
	require.NoError(t, err)
	assert.Len(t, events, 3, "one promotion and two deployments")
}
