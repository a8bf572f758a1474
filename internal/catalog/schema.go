package catalog

import (
	"github.com/hashicorp/go-memdb"

	"github.com/Popie52/batchqueue/internal/model"
)

const (
	definitionsTable = "definitions"
	queuesTable      = "queues"

	idIndex   = "id"   // primary key: the ARN
	keyIndex  = "key"  // "name:revision" of a definition
	nameIndex = "name" // plain name; unique for queues, one entry per revision for definitions
)

// definitionRow is the stored form of a definition. Rows are never modified in place.
type definitionRow struct {
	Arn  string
	Key  string
	Name string
	Def  *model.JobDefinition
}

// queueRow is the stored form of a queue. Rows are never modified in place.
type queueRow struct {
	Arn  string
	Name string
	Info *model.JobQueueInfo
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			definitionsTable: {
				Name: definitionsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Arn"},
					},
					keyIndex: {
						Name:    keyIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					nameIndex: {
						Name:    nameIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
			queuesTable: {
				Name: queuesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Arn"},
					},
					nameIndex: {
						Name:    nameIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
		},
	}
}
