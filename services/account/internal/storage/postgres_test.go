package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/AfshinJalili/gobank/services/testutil"
)

func TestPostgresStoreContract(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	defer pool.Close()

	ownerBase := time.Now().UnixNano() % 1_000_000_000 * 10
	ctx := context.Background()
	owners := make([]int64, 0, 8)
	for i := int64(1); i <= 8; i++ {
		owners = append(owners, ownerBase+i)
	}
	defer func() {
		if err := testutil.CleanupOwners(ctx, pool, owners...); err != nil {
			t.Logf("cleanup: %v", err)
		}
	}()

	runStoreContract(t, NewPostgresStore(pool, nil), ownerBase)
}
