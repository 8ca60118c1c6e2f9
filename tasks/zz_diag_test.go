package tasks

import (
	"context"
	"testing"
	"time"

	"atelierapi/dbhelper"
	"atelierapi/models"
	"atelierapi/test"

	"github.com/stretchr/testify/assert"
)

func TestDiagStuckSweepDBState(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	tenant := test.FakeTenant(db)
	identity := test.FakeActiveIdentity(db, tenant)
	garment := test.FakeReadyGarment(db, tenant)

	stuck := fakePendingRequest(db, tenant, identity, garment, "stuckprocess-01")
	assert.Nil(t, stuck.StartProcessing())
	staleStart := time.Now().UTC().Add(-time.Hour)
	stuck.StartedAt = &staleStart
	db.Save(&stuck)

	abandoned := fakePendingRequest(db, tenant, identity, garment, "abandoned-0001")
	db.Model(&abandoned).UpdateColumn("created_at", time.Now().Add(-3*time.Hour))

	fresh := fakePendingRequest(db, tenant, identity, garment, "freshpending-01")

	err := HandleStuckSweepTask(context.Background(), NewStuckSweepTask(), db)
	assert.Nil(t, err)

	var a, b, c models.GenerationRequest
	db.First(&a, stuck.ID)
	db.First(&b, abandoned.ID)
	db.First(&c, fresh.ID)
	reason := func(r *string) string {
		if r == nil {
			return "<nil>"
		}
		return *r
	}
	t.Logf("stuck:     status=%s reason=%q", a.Status, reason(a.FailureReason))
	t.Logf("abandoned: status=%s reason=%q", b.Status, reason(b.FailureReason))
	t.Logf("fresh:     status=%s reason=%q", c.Status, reason(c.FailureReason))
}
