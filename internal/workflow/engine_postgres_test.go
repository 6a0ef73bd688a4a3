package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"schoolerp/backend/internal/repository"
	"schoolerp/backend/pkg/models"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	require.NoError(t, repository.Migrate(ctx, pool))
	return pool
}

// race runs fn twice at once and returns both errors.
func race(fn func() error) []error {
	var (
		wg   sync.WaitGroup
		gate = make(chan struct{})
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-gate
			errs[i] = fn()
		}(i)
	}
	close(gate)
	wg.Wait()
	return errs
}

func countErrors(errs []error, target error) (ok, matched int) {
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, target):
			matched++
		}
	}
	return ok, matched
}

func TestEngineOnPostgres(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	store := repository.NewPostgresWorkflowStore(pool)
	engine := New(repository.NewTxManager(pool), store)

	def := &models.WorkflowDefinition{Code: testWorkflow, Name: "Test Approval", Category: "test", Active: true}
	require.NoError(t, store.UpsertDefinition(ctx, def))
	for _, st := range []*models.WorkflowStage{
		{Code: "submitted", Name: "Submitted", Sequence: 1,
			AllowedTransitions: []models.Transition{{Action: "submit", Target: "review"}}},
		{Code: "review", Name: "Review", Sequence: 2,
			AllowedTransitions: []models.Transition{{Action: "approve", Target: "completed"}}},
	} {
		st.WorkflowID = def.ID
		st.Active = true
		require.NoError(t, store.UpsertStage(ctx, st))
	}

	t.Run("Concurrent start of one entity", func(t *testing.T) {
		errs := race(func() error {
			_, err := engine.Start(ctx, testWorkflow, "thing", 501, models.Payload{}, models.Actor{})
			return err
		})
		ok, conflicts := countErrors(errs, ErrConflict)
		assert.Equal(t, 1, ok, "errors: %v", errs)
		assert.Equal(t, 1, conflicts, "errors: %v", errs)

		list, err := engine.ListInstances(ctx, models.InstanceFilter{ReferenceType: "thing", ReferenceID: 501})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("Concurrent advance from one stage", func(t *testing.T) {
		id, err := engine.Start(ctx, testWorkflow, "thing", 502, models.Payload{}, models.Actor{})
		require.NoError(t, err)

		errs := race(func() error {
			return engine.Advance(ctx, id, "review", "submit", models.Actor{}, ActionData{})
		})
		ok, illegal := countErrors(errs, ErrIllegalTransition)
		assert.Equal(t, 1, ok, "errors: %v", errs)
		assert.Equal(t, 1, illegal, "errors: %v", errs)

		inst, err := engine.GetInstance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "review", inst.CurrentStage)
		history, err := engine.GetHistory(ctx, id)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})
}
