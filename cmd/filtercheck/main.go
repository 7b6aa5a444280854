// Command filtercheck is a smoke binary for the filtered-search core: it
// builds a small index in a temp directory, runs the filter expression
// given on the command line against it and prints the matching ids.
//
//	filtercheck 'genre = horror AND rating > 3'
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/tirithen/milli-core/internal/index"
	"github.com/tirithen/milli-core/pkg/filter"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <filter expression>\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}
	logrus.SetLevel(logrus.DebugLevel)

	dir, err := os.MkdirTemp("", "filtercheck-*")
	if err != nil {
		log.Fatalf("temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	idx, err := index.Open(filepath.Join(dir, "index.db"))
	if err != nil {
		log.Fatalf("open index: %v", err)
	}
	defer idx.Close()

	err = idx.UpdateSettings(func(s *index.Settings) {
		s.FilterableAttributes = []filter.AttributeRule{
			filter.FieldRule("genre"),
			filter.FieldRule("rating"),
			filter.FieldRule("title"),
			filter.FieldRule("_geo"),
		}
	})
	if err != nil {
		log.Fatalf("settings: %v", err)
	}

	docs := []map[string]any{
		{"title": "Shining", "genre": "horror", "rating": 4.7,
			"_geo": map[string]any{"lat": 45.0, "lng": 9.0}},
		{"title": "Alien", "genre": []any{"horror", "sci-fi"}, "rating": 4.4},
		{"title": "Amelie", "genre": "romance", "rating": 4.1},
		{"title": "Unrated", "genre": "documentary", "rating": nil},
	}
	if _, err := idx.AddDocuments(docs); err != nil {
		log.Fatalf("add documents: %v", err)
	}

	f, err := filter.FromString(os.Args[1])
	if err != nil {
		log.Fatalf("parse filter: %v", err)
	}
	if f == nil {
		fmt.Println("empty filter")
		return
	}

	tx, err := idx.ReadTxn()
	if err != nil {
		log.Fatalf("read txn: %v", err)
	}
	defer tx.Rollback()

	docids, err := f.Evaluate(tx, idx)
	if err != nil {
		log.Fatalf("evaluate: %v", err)
	}
	fmt.Printf("%d matching document(s): %v\n", docids.GetCardinality(), docids.ToArray())
}
