package docstore

import "time"

// DocumentSnapshot is one full observation of a document, delivered by
// DocRef.Watch. Fields is nil when Exists is false.
type DocumentSnapshot struct {
	Ref        DocRef
	Exists     bool
	UpdateTime time.Time
	Fields     Fields
}

// Document is one member of a set snapshot. Identity and reference are
// first-class, outside the field payload.
type Document struct {
	ID     string
	Ref    DocRef
	Fields Fields
}

// QuerySnapshot is one full ordered observation of a document set,
// delivered by SetRef.Watch.
type QuerySnapshot struct {
	Docs       []Document
	UpdateTime time.Time
}
