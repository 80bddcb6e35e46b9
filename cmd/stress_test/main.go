package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/inventory-sync/internal/adapter/storage"
	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/core/realtime"
	"github.com/rl1809/inventory-sync/internal/core/service"
)

const (
	barcode         = "stress-barcode"
	initialQuantity = 20
	totalScans      = 200
	liveSessions    = 5
	sessionBuffer   = totalScans
)

func main() {
	ctx := context.Background()

	// Fresh SQLite database per run
	dir, err := os.MkdirTemp("", "inventory-stress-*")
	if err != nil {
		log.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	db, err := storage.OpenSQL(ctx, storage.SQLite, filepath.Join(dir, "stress.db"))
	if err != nil {
		log.Fatalf("failed to open sqlite: %v", err)
	}
	defer db.Close()

	repo := storage.NewSQLAdapter(db, storage.SQLite)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	// Initialize core
	mutations := service.NewMutationService(repo, service.Options{QueueSize: totalScans})
	registry := realtime.NewRegistry(nil)
	broadcaster := realtime.NewBroadcaster(registry, realtime.BroadcasterOptions{QueueSize: totalScans})

	item, err := mutations.Create(ctx, barcode, "stress item", initialQuantity)
	if err != nil {
		log.Fatalf("failed to create item: %v", err)
	}

	sinks := make([]*realtime.BufferedSink, liveSessions)
	for i := range sinks {
		sinks[i] = realtime.NewBufferedSink(sessionBuffer)
		registry.Subscribe(registry.Connect(sinks[i]), domain.InventoryTopic)
	}

	consumeDone := make(chan struct{})
	go func() {
		defer close(consumeDone)
		broadcaster.Consume(ctx, mutations.Events())
	}()

	// Counters
	var successCount atomic.Int32
	var failCount atomic.Int32

	// Spawn concurrent scans
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalScans; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			_, err := mutations.Scan(ctx, barcode, fmt.Sprintf("scanner-%d", n))
			if err == nil {
				successCount.Add(1)
			} else {
				failCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	mutations.Close()
	<-consumeDone
	broadcaster.Close()

	// Results
	success := successCount.Load()
	fail := failCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Quantity: %d\n", initialQuantity)
	fmt.Printf("Total Scans:      %d\n", totalScans)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Failed:           %d\n", fail)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	final, err := mutations.Get(ctx, domain.ByID(item.ID))
	if err != nil {
		log.Fatalf("failed to read final quantity: %v", err)
	}
	fmt.Printf("Final Quantity:   %d (revision %d)\n", final.Quantity, final.Revision)

	if final.Quantity == initialQuantity+int(success) {
		fmt.Println("PASS: No lost updates")
	} else {
		fmt.Printf("FAIL: Expected quantity %d, got %d\n", initialQuantity+int(success), final.Quantity)
	}

	// Every session must see every committed scan, in revision order.
	for i, sink := range sinks {
		received, ordered := 0, true
		last := item.Revision
	drain:
		for {
			select {
			case ev := <-sink.Events():
				if ev.Revision != last+1 {
					ordered = false
				}
				last = ev.Revision
				received++
			default:
				break drain
			}
		}
		if received == int(success) && ordered {
			fmt.Printf("PASS: session %d received %d ordered updates\n", i, received)
		} else {
			fmt.Printf("FAIL: session %d received %d updates (ordered=%v), expected %d\n", i, received, ordered, success)
		}
	}
}
