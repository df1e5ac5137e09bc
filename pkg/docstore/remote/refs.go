package remote

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/driftsync/driftsync/pkg/docstore"
	"github.com/driftsync/driftsync/pkg/protocol"
)

var _ docstore.DocRef = (*docRef)(nil)

type docRef struct {
	client *Client
	path   string
	id     string
}

func newDocRef(c *Client, path string) *docRef {
	segments, _ := docstore.SplitPath(path)
	id := ""
	if len(segments) > 0 {
		id = segments[len(segments)-1]
	}
	return &docRef{client: c, path: path, id: id}
}

func (r *docRef) Path() string { return r.path }
func (r *docRef) ID() string   { return r.id }

func (r *docRef) Set(_ context.Context, data any) (docstore.WriteResult, error) {
	fields, err := docstore.FieldsOf(data)
	if err != nil {
		return docstore.WriteResult{}, err
	}
	reply, err := r.client.request(&protocol.Envelope{
		Op:     protocol.OpWrite,
		Path:   r.path,
		Fields: fields,
	})
	if err != nil {
		return docstore.WriteResult{}, fmt.Errorf("remote: write %s: %w", r.path, err)
	}
	return docstore.WriteResult{UpdateTime: reply.UpdateTime}, nil
}

func (r *docRef) Delete(_ context.Context) (docstore.WriteResult, error) {
	reply, err := r.client.request(&protocol.Envelope{
		Op:   protocol.OpDelete,
		Path: r.path,
	})
	if err != nil {
		return docstore.WriteResult{}, fmt.Errorf("remote: delete %s: %w", r.path, err)
	}
	return docstore.WriteResult{UpdateTime: reply.UpdateTime}, nil
}

func (r *docRef) Watch(_ context.Context, fn func(docstore.DocumentSnapshot)) (func(), error) {
	return r.client.watchDoc(r.path, fn)
}

var _ docstore.CollectionRef = (*collRef)(nil)

type collRef struct {
	client *Client
	path   string
}

func (c *collRef) Path() string { return c.path }

func (c *collRef) ID() string {
	segments, _ := docstore.SplitPath(c.path)
	return segments[len(segments)-1]
}

func (c *collRef) Doc(id string) docstore.DocRef {
	return newDocRef(c.client, c.path+"/"+id)
}

// NewDoc mints the identity client-side so the reference is usable
// before the write round-trips.
func (c *collRef) NewDoc() docstore.DocRef {
	return newDocRef(c.client, c.path+"/"+uuid.NewString())
}

func (c *collRef) Watch(_ context.Context, fn func(docstore.QuerySnapshot)) (func(), error) {
	return c.client.watchSet(docstore.QuerySpec{Parent: c.path}, fn)
}

func (c *collRef) Where(field, op string, value any) docstore.Query {
	return query{client: c.client, spec: docstore.QuerySpec{Parent: c.path}}.Where(field, op, value)
}

func (c *collRef) OrderBy(field string, desc bool) docstore.Query {
	return query{client: c.client, spec: docstore.QuerySpec{Parent: c.path}}.OrderBy(field, desc)
}

func (c *collRef) Limit(n int) docstore.Query {
	return query{client: c.client, spec: docstore.QuerySpec{Parent: c.path}}.Limit(n)
}

var _ docstore.Query = query{}

type query struct {
	client *Client
	spec   docstore.QuerySpec
}

func (q query) Where(field, op string, value any) docstore.Query {
	spec := q.spec
	spec.Filters = append(append([]docstore.Filter(nil), spec.Filters...), docstore.Filter{Field: field, Op: op, Value: value})
	return query{client: q.client, spec: spec}
}

func (q query) OrderBy(field string, desc bool) docstore.Query {
	spec := q.spec
	spec.Orders = append(append([]docstore.Order(nil), spec.Orders...), docstore.Order{Field: field, Desc: desc})
	return query{client: q.client, spec: spec}
}

func (q query) Limit(n int) docstore.Query {
	spec := q.spec
	spec.N = n
	return query{client: q.client, spec: spec}
}

func (q query) Watch(_ context.Context, fn func(docstore.QuerySnapshot)) (func(), error) {
	return q.client.watchSet(q.spec, fn)
}
