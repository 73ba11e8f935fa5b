package receiver

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-ingest/internal/storage"
	"procodus.dev/sensor-ingest/pkg/reading"
)

var _ = Describe("GormStore E2E", func() {
	var store *storage.GormStore

	BeforeEach(func() {
		truncate()

		var err error
		store, err = storage.NewGormStore(db, testLogger, nil)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should create the readings table with exactly the reading columns", func() {
		columns, err := db.Migrator().ColumnTypes(&storage.Record{})
		Expect(err).NotTo(HaveOccurred())

		names := make([]string, 0, len(columns))
		for _, c := range columns {
			names = append(names, c.Name())
		}
		Expect(names).To(ConsistOf("sensor_id", "temperature", "humidity", "timestamp"))
	})

	It("should store single and batch inserts and count them", func() {
		ctx := context.Background()
		now := time.Now()

		Expect(store.Insert(ctx, reading.New(1, 21.5, 40.25, now))).To(Succeed())
		Expect(store.InsertBatch(ctx, []reading.Reading{
			reading.New(2, 22.5, 41.25, now),
			reading.New(3, 23.5, 42.25, now),
		})).To(Succeed())
		Expect(store.InsertBatch(ctx, nil)).To(Succeed())

		count, err := store.Count(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(int64(3)))

		all, err := store.All(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(Equal([]reading.Reading{
			reading.New(1, 21.5, 40.25, now),
			reading.New(2, 22.5, 41.25, now),
			reading.New(3, 23.5, 42.25, now),
		}))
	})

	It("should return readings ordered by timestamp regardless of write order", func() {
		ctx := context.Background()
		base := time.Unix(1700000000, 0)

		Expect(store.InsertBatch(ctx, []reading.Reading{
			reading.New(9, 20, 50, base.Add(2*time.Second)),
			reading.New(8, 20, 50, base),
			reading.New(7, 20, 50, base.Add(time.Second)),
		})).To(Succeed())

		all, err := store.All(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(HaveLen(3))
		Expect(all[0].SensorID).To(Equal(int64(8)))
		Expect(all[1].SensorID).To(Equal(int64(7)))
		Expect(all[2].SensorID).To(Equal(int64(9)))
	})

	It("should store a drain larger than one statement can carry", func() {
		ctx := context.Background()
		base := time.Unix(1700000000, 0)

		batch := make([]reading.Reading, 20001)
		for i := range batch {
			batch[i] = reading.New(int64(i+1), 20, 50, base.Add(time.Duration(i)*time.Millisecond))
		}
		Expect(store.InsertBatch(ctx, batch)).To(Succeed())

		count, err := store.Count(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(int64(len(batch))))
	})
})
