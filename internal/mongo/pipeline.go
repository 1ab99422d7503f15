package mongo

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mossy-p/meshchat/internal/store"
)

// Every stored document has this shape; data holds the signaling fields.
const (
	fieldID     = "_id"
	fieldParent = "parent"
	fieldData   = "data"
)

// writePipeline builds the update pipeline for a write. With merge the
// fields are laid over the current data; without it data is replaced and
// array transforms start from an empty array.
func writePipeline(ref store.DocumentRef, data store.Data, merge bool) mongo.Pipeline {
	fields := bson.M{}
	for k, v := range data {
		fields[k] = fieldExpr(k, v, merge)
	}
	var next any = fields
	if merge {
		next = bson.M{"$mergeObjects": bson.A{bson.M{"$ifNull": bson.A{"$" + fieldData, bson.M{}}}, fields}}
	}
	return mongo.Pipeline{
		{{Key: "$replaceWith", Value: bson.M{
			fieldID:     ref.Path(),
			fieldParent: ref.Parent,
			fieldData:   next,
		}}},
	}
}

// fieldExpr translates one field value into an aggregation expression.
// Transforms become operators evaluated on the server; plain values are
// wrapped in $literal so strings starting with $ stay strings.
func fieldExpr(name string, v any, merge bool) any {
	t, ok := v.(store.Transform)
	if !ok {
		return bson.M{"$literal": v}
	}
	var current any = bson.A{}
	if merge {
		current = bson.M{"$ifNull": bson.A{"$" + fieldData + "." + name, bson.A{}}}
	}
	values := bson.M{"$literal": store.TransformValues(t)}
	switch {
	case store.IsServerTimestamp(t):
		return bson.M{"$toLong": "$$NOW"}
	case store.IsArrayUnion(t):
		// $setUnion would reorder; keep existing order and append new values.
		return bson.M{"$concatArrays": bson.A{current, bson.M{"$filter": bson.M{
			"input": values,
			"cond":  bson.M{"$not": bson.A{bson.M{"$in": bson.A{"$$this", current}}}},
		}}}}
	case store.IsArrayRemove(t):
		return bson.M{"$filter": bson.M{
			"input": current,
			"cond":  bson.M{"$not": bson.A{bson.M{"$in": bson.A{"$$this", values}}}},
		}}
	}
	return bson.M{"$literal": nil}
}

// queryFilter matches the documents of collection satisfying any clause.
func queryFilter(collection string, clauses []store.Clause) bson.M {
	filter := bson.M{fieldParent: collection}
	if len(clauses) == 0 {
		return filter
	}
	or := make(bson.A, 0, len(clauses))
	for _, c := range clauses {
		or = append(or, bson.M{fieldData + "." + c.Field: c.Value})
	}
	filter["$or"] = or
	return filter
}

// normalize converts driver container types into plain maps and slices.
func normalize(v any) any {
	switch x := v.(type) {
	case primitive.M:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case int32:
		return int64(x)
	}
	return v
}
