package feature

import (
	"fmt"
	"github.com/paulmach/osm"
)

type OsmObjectType int

const (
	OsmObjNode OsmObjectType = iota
	OsmObjWay
	OsmObjRelation
	OsmObjOther
)

func OsmObjectTypeOf(object osm.Object) OsmObjectType {
	switch object.(type) {
	case *osm.Node:
		return OsmObjNode
	case *osm.Way:
		return OsmObjWay
	case *osm.Relation:
		return OsmObjRelation
	}
	return OsmObjOther
}

func (o OsmObjectType) String() string {
	switch o {
	case OsmObjNode:
		return "node"
	case OsmObjWay:
		return "way"
	case OsmObjRelation:
		return "relation"
	case OsmObjOther:
		return "other"
	}
	return fmt.Sprintf("[!UNKNOWN OsmObjectType %d]", o)
}
