package mirror

import (
	"context"
	"fmt"
	"testing"

	"github.com/driftsync/driftsync/pkg/docstore/memstore"
	"github.com/driftsync/driftsync/pkg/log"
)

// BenchmarkUpdateDiff measures the diff engine over a collection in
// which a single record is dirty.
func BenchmarkUpdateDiff(b *testing.B) {
	for _, size := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("records_%d", size), func(b *testing.B) {
			s := memstore.New()
			defer func() { _ = s.Close() }()
			coll, err := s.Collection("todos")
			if err != nil {
				b.Fatal(err)
			}
			for i := 0; i < size; i++ {
				_, err = coll.Doc(fmt.Sprintf("d%06d", i)).Set(context.Background(),
					map[string]any{"title": fmt.Sprintf("item %d", i), "rank": i})
				if err != nil {
					b.Fatal(err)
				}
			}

			drop := func(func()) {} // discard writes, measure the diff only
			m := NewCollection[todo](coll, &CollectionConfig[todo]{Async: drop, Log: log.Nop()})
			ready := make(chan struct{})
			defer m.Subscribe(func(docs []Document[todo]) {
				if len(docs) == size {
					select {
					case <-ready:
					default:
						close(ready)
					}
				}
			})()
			<-ready

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				err = m.Update(func(prev []Document[todo]) []Document[todo] {
					prev[len(prev)/2].Data.Rank = int64(i)
					return prev
				})
				if err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
