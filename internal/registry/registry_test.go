package registry

import (
	"sync"
	"testing"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

func TestLookup(t *testing.T) {
	r := New([]domain.Market{
		{ConditionID: "0xc1", EventSlug: "nba-final", Outcomes: []string{"Yes", "No"}, TokenIDs: []string{"111", "222"}},
		{ConditionID: "0xc2", EventSlug: "nfl-week", Outcomes: []string{"Up"}, TokenIDs: []string{"333", "444", ""}},
		{ConditionID: "0xc3", EventSlug: "empty"},
		{ConditionID: "", TokenIDs: []string{"555"}},
	})

	if r.Len() != 4 {
		t.Fatalf("Len = %d, want 4", r.Len())
	}

	info, ok := r.Lookup("222")
	if !ok || info.ConditionID != "0xc1" || info.Outcome != "No" || info.EventSlug != "nba-final" {
		t.Fatalf("Lookup(222) = %+v, %v", info, ok)
	}

	info, ok = r.Lookup("444")
	if !ok || info.Outcome != "" {
		t.Fatalf("missing outcome label should map to empty, got %+v %v", info, ok)
	}

	for _, id := range []string{"", "555", "999"} {
		if _, ok := r.Lookup(id); ok {
			t.Errorf("Lookup(%q) should miss", id)
		}
	}

	conds := r.Conditions()
	if len(conds) != 2 || conds[0] != "0xc1" || conds[1] != "0xc2" {
		t.Fatalf("Conditions = %v", conds)
	}
}

func TestConcurrentReaders(t *testing.T) {
	r := New([]domain.Market{{ConditionID: "0xc1", Outcomes: []string{"Yes"}, TokenIDs: []string{"1"}}})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, ok := r.Lookup("1"); !ok {
					t.Error("lookup failed")
					return
				}
			}
		}()
	}
	wg.Wait()
}
