package processing

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrasher-corp/withdrawer/database"
	sqlite "github.com/thrasher-corp/withdrawer/database/drivers/sqlite3"
	"github.com/thrasher-corp/withdrawer/database/migrations"
	"github.com/thrasher-corp/withdrawer/withdraw"
)

// goose keeps its dialect in package state
var migrateMu sync.Mutex

func openDB(t *testing.T, path string) *database.Instance {
	t.Helper()
	inst, err := sqlite.Connect(&database.Config{Driver: database.DBSQLite3, ConnectionString: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.CloseConnection() })
	return inst
}

func migrate(t *testing.T, inst *database.Instance) {
	t.Helper()
	migrateMu.Lock()
	defer migrateMu.Unlock()
	require.NoError(t, migrations.Migrate(inst, migrations.CommandUp, ""))
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "processing.db")
	inst := openDB(t, path)
	migrate(t, inst)
	s, err := New(inst)
	require.NoError(t, err)
	return s, path
}

func TestNew(t *testing.T) {
	t.Parallel()
	_, err := New(nil)
	require.ErrorIs(t, err, errInstanceIsNil)

	inst, err := database.NewInstance(&database.Config{Driver: "oracle"})
	require.NoError(t, err)
	_, err = New(inst)
	require.ErrorIs(t, err, errUnsupportedStore)
}

func TestClaim(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Claim(ctx, "")
	require.ErrorIs(t, err, errEmptyRequestID)

	res, err := s.Claim(ctx, "R1")
	require.NoError(t, err)
	assert.True(t, res.Fresh)
	assert.Nil(t, res.Existing)

	res, err = s.Claim(ctx, "R1")
	require.NoError(t, err)
	assert.False(t, res.Fresh)
	require.NotNil(t, res.Existing)
	assert.Equal(t, withdraw.Pending, res.Existing.Status)
	assert.False(t, res.Existing.Started())
	assert.False(t, res.Existing.CreatedAt.IsZero())
}

func TestClaimConcurrent(t *testing.T) {
	t.Parallel()
	s, path := newTestStore(t)

	// a second store with its own connection stands in for another process
	other, err := New(openDB(t, path))
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		fresh  int
		errs   []error
		stores = []*Store{s, other}
	)
	for i := range 20 {
		wg.Add(1)
		go func(st *Store) {
			defer wg.Done()
			res, err := st.Claim(context.Background(), "R-race")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Fresh {
				fresh++
			}
		}(stores[i%2])
	}
	wg.Wait()
	require.Empty(t, errs)
	assert.Equal(t, 1, fresh, "exactly one claim must win")
}

func TestStart(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Start(ctx, "missing", "onchain")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Start(ctx, "R1", "")
	require.ErrorIs(t, err, errEmptyBackend)

	_, err = s.Claim(ctx, "R1")
	require.NoError(t, err)

	ok, err = s.Start(ctx, "R1", "onchain")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Start(ctx, "R1", "onchain")
	require.NoError(t, err)
	assert.False(t, ok, "a started record cannot be started again")

	rec, err := s.Lookup(ctx, "R1")
	require.NoError(t, err)
	assert.True(t, rec.Started())
	assert.Equal(t, "onchain", rec.BackendUsed.String)
}

func TestRelease(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.ErrorIs(t, s.Release(ctx, "R1", "onchain"), ErrRecordNotFound)
	require.ErrorIs(t, s.Release(ctx, "R1", ""), errEmptyBackend)

	_, err := s.Claim(ctx, "R1")
	require.NoError(t, err)
	require.ErrorIs(t, s.Release(ctx, "R1", "onchain"), ErrInconsistentState, "an unstarted record has nothing to release")

	ok, err := s.Start(ctx, "R1", "onchain")
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, s.Release(ctx, "R1", "voucher"), ErrInconsistentState, "only the starting backend may release")

	require.NoError(t, s.Release(ctx, "R1", "onchain"))
	rec, err := s.Lookup(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, withdraw.Pending, rec.Status)
	assert.False(t, rec.Started())

	ok, err = s.Start(ctx, "R1", "onchain")
	require.NoError(t, err)
	assert.True(t, ok, "a released record must be startable again")

	_, err = s.Complete(ctx, "R1", withdraw.Paid, "", "tx1")
	require.NoError(t, err)
	require.ErrorIs(t, s.Release(ctx, "R1", "onchain"), ErrInconsistentState, "a terminal record cannot be released")
	rec, err = s.Lookup(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "onchain", rec.BackendUsed.String)
}

func TestComplete(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Complete(ctx, "R1", withdraw.Paid, "onchain", "tx123")
	require.ErrorIs(t, err, ErrRecordNotFound)

	_, err = s.Claim(ctx, "R1")
	require.NoError(t, err)
	_, err = s.Complete(ctx, "R1", withdraw.Pending, "", "")
	require.ErrorIs(t, err, errNotTerminal)

	ok, err := s.Start(ctx, "R1", "onchain")
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := s.Complete(ctx, "R1", withdraw.Paid, "", "tx123")
	require.NoError(t, err)
	assert.Equal(t, withdraw.Paid, rec.Status)
	assert.Equal(t, "tx123", rec.Reference())
	assert.Equal(t, "onchain", rec.BackendUsed.String, "empty backend keeps the started backend")

	for _, st := range []withdraw.Status{withdraw.Failed, withdraw.Rejected, withdraw.Paid} {
		_, err = s.Complete(ctx, "R1", st, "voucher", "other")
		require.ErrorIsf(t, err, ErrInconsistentState, "terminal record must refuse %s", st)
	}
	rec, err = s.Lookup(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, withdraw.Paid, rec.Status)
	assert.Equal(t, "tx123", rec.Reference(), "refused completion must not write")
}

func TestCompleteRejected(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Claim(ctx, "R2")
	require.NoError(t, err)
	rec, err := s.Complete(ctx, "R2", withdraw.Rejected, "", withdraw.ReasonBlockedAccount)
	require.NoError(t, err)
	assert.Equal(t, withdraw.Rejected, rec.Status)
	assert.False(t, rec.Started())
	assert.Equal(t, withdraw.ReasonBlockedAccount, rec.Reference())

	ok, err := s.Start(ctx, "R2", "onchain")
	require.NoError(t, err)
	assert.False(t, ok, "a rejected record can never be started")
}

func TestHold(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.ErrorIs(t, s.Hold(ctx, "R9", "tx"), ErrRecordNotFound)

	_, err := s.Claim(ctx, "R9")
	require.NoError(t, err)
	require.NoError(t, s.Hold(ctx, "R9", "tx-unconfirmed"))

	rec, err := s.Lookup(ctx, "R9")
	require.NoError(t, err)
	assert.Equal(t, withdraw.Pending, rec.Status)
	assert.Equal(t, "tx-unconfirmed", rec.Reference())

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "R9", pending[0].RequestID)

	_, err = s.Complete(ctx, "R9", withdraw.Paid, "onchain", "tx-unconfirmed")
	require.NoError(t, err)
	require.ErrorIs(t, s.Hold(ctx, "R9", "tx"), ErrInconsistentState)

	pending, err = s.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStoreUnavailable(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "closed.db")
	inst := openDB(t, path)
	migrate(t, inst)
	s, err := New(inst)
	require.NoError(t, err)
	require.NoError(t, inst.CloseConnection())

	_, err = s.Claim(context.Background(), "R4")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = s.Lookup(context.Background(), "R4")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = s.Start(context.Background(), "R4", "onchain")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, s.Release(context.Background(), "R4", "onchain"), ErrStoreUnavailable)
	_, err = s.ListPending(context.Background())
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRebind(t *testing.T) {
	t.Parallel()
	s := &Store{dialect: database.DBSQLite3}
	assert.Equal(t, "SELECT ?1, ?2", s.rebind("SELECT $1, $2"))
	s.dialect = database.DBPostgreSQL
	assert.Equal(t, "SELECT $1, $2", s.rebind("SELECT $1, $2"))
}
