package store

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/statevalue"
)

func objectFromDoc(doc objectDoc) *model.Object {
	return &model.Object{
		Serial: doc.Serial, ObjectKey: doc.ObjectKey,
		ObjectRevision: doc.Revision, ObjectTimestamp: doc.Timestamp,
		Value: bsonToValue(doc.Value), UpdatedAt: doc.UpdatedAt,
	}
}

func entryKeyFromDoc(doc entryKeyDoc) *model.EntryKey {
	return &model.EntryKey{
		Code: doc.Code, Serial: doc.Serial, CreatedAt: doc.CreatedAt,
		ExpiresAt: doc.ExpiresAt, ClaimedBy: doc.ClaimedBy, ClaimedAt: doc.ClaimedAt,
	}
}

// valueToBSON converts a statevalue.Value into a bson.M suitable for
// storage, round-tripping through its plain-interface form.
func valueToBSON(v statevalue.Value) bson.M {
	any := v.ToAny()
	m, ok := any.(map[string]any)
	if !ok {
		if any == nil {
			return bson.M{}
		}
		return bson.M{"_scalar": any}
	}
	out := bson.M{}
	for k, e := range m {
		out[k] = e
	}
	return out
}

func bsonToValue(m bson.M) statevalue.Value {
	if scalar, ok := m["_scalar"]; ok && len(m) == 1 {
		return statevalue.FromAny(scalar)
	}
	plain := make(map[string]any, len(m))
	for k, v := range m {
		plain[k] = v
	}
	return statevalue.FromAny(plain)
}
