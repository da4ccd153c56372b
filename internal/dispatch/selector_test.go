package dispatch

import (
	"testing"

	"taskfleet/internal/domain"
)

func worker(id string, status string, groups []string, wip, max int) domain.Worker {
	return domain.Worker{
		ID:         id,
		Status:     status,
		Groups:     groups,
		CurrentWip: wip,
		MaxWip:     max,
	}
}

func TestSelectWorker(t *testing.T) {
	cases := []struct {
		name    string
		workers []domain.Worker
		group   string
		wantID  string
		wantOK  bool
	}{
		{
			name:   "empty pool",
			group:  "backend",
			wantOK: false,
		},
		{
			name: "offline skipped",
			workers: []domain.Worker{
				worker("w1", domain.WorkerOffline, []string{"backend"}, 0, 2),
			},
			group:  "backend",
			wantOK: false,
		},
		{
			name: "wrong group skipped",
			workers: []domain.Worker{
				worker("w1", domain.WorkerOnline, []string{"frontend"}, 0, 2),
			},
			group:  "backend",
			wantOK: false,
		},
		{
			name: "full capacity skipped",
			workers: []domain.Worker{
				worker("w1", domain.WorkerOnline, []string{"backend"}, 2, 2),
			},
			group:  "backend",
			wantOK: false,
		},
		{
			name: "empty group matches every worker",
			workers: []domain.Worker{
				worker("w1", domain.WorkerOnline, []string{"backend"}, 0, 2),
			},
			group:  "",
			wantID: "w1",
			wantOK: true,
		},
		{
			name: "least loaded wins",
			workers: []domain.Worker{
				worker("w1", domain.WorkerOnline, []string{"backend"}, 1, 2),
				worker("w2", domain.WorkerOnline, []string{"backend"}, 0, 2),
			},
			group:  "backend",
			wantID: "w2",
			wantOK: true,
		},
		{
			name: "id breaks ties",
			workers: []domain.Worker{
				worker("w2", domain.WorkerOnline, []string{"backend"}, 1, 3),
				worker("w1", domain.WorkerOnline, []string{"backend"}, 1, 3),
			},
			group:  "backend",
			wantID: "w1",
			wantOK: true,
		},
		{
			name: "ineligible never beats eligible",
			workers: []domain.Worker{
				worker("w1", domain.WorkerOnline, []string{"backend"}, 2, 2),
				worker("w2", domain.WorkerOffline, []string{"backend"}, 0, 2),
				worker("w3", domain.WorkerOnline, []string{"backend"}, 1, 2),
			},
			group:  "backend",
			wantID: "w3",
			wantOK: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := SelectWorker(tc.workers, tc.group)
			if ok != tc.wantOK {
				t.Fatalf("ok=%v, want %v", ok, tc.wantOK)
			}
			if ok && got.ID != tc.wantID {
				t.Fatalf("selected %s, want %s", got.ID, tc.wantID)
			}
		})
	}
}
