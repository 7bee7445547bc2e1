package relkv

import (
	"fmt"
	"math"
)

// GeoPoint is one WGS84 coordinate pair.
type GeoPoint struct {
	Lat float64
	Lng float64
}

// SpatialField stores a coordinate pair and supports nearest-neighbor
// search over a fixed tile grid. Each point indexes its own tile and both
// neighbors along each axis, so an equality match on the center tile
// covers the surrounding area; the search decomposes into four directed
// queries merged by true distance.
type SpatialField struct {
	BaseField
	MinLat, MaxLat float64
	MinLng, MaxLng float64
	GridSizeLat    float64 // tile height in degrees
	GridSizeLng    float64 // tile width in degrees
}

func (f *SpatialField) Type() string { return "spatial" }

func (f *SpatialField) SetValue(inst *Instance, name string, v any) *FieldError {
	if v == nil {
		inst.values[name] = nil
		if f.Required {
			return fieldErr(name, SeverityEmpty, "no coordinates given")
		}
		return nil
	}
	pt, fe := parseGeoPoint(v)
	if fe != nil {
		fe.Field = name
		return fe
	}
	if pt.Lat < f.MinLat || pt.Lat > f.MaxLat || pt.Lng < f.MinLng || pt.Lng > f.MaxLng {
		return fieldErr(name, SeverityInvalid,
			fmt.Sprintf("coordinates (%v, %v) outside the configured bounds", pt.Lat, pt.Lng))
	}
	inst.values[name] = pt
	return nil
}

func parseGeoPoint(v any) (*GeoPoint, *FieldError) {
	switch v := v.(type) {
	case *GeoPoint:
		return v, nil
	case GeoPoint:
		return &v, nil
	case []any:
		if len(v) != 2 {
			return nil, fieldErr("", SeverityInvalid, "expected [lat, lng]")
		}
		lat, ok1 := floatValue(v[0])
		lng, ok2 := floatValue(v[1])
		if !ok1 || !ok2 {
			return nil, fieldErr("", SeverityInvalid, "expected [lat, lng]")
		}
		return &GeoPoint{Lat: lat, Lng: lng}, nil
	case map[string]any:
		lat, ok1 := floatValue(v["lat"])
		lng, ok2 := floatValue(v["lng"])
		if !ok1 || !ok2 {
			return nil, fieldErr("", SeverityInvalid, "expected lat and lng")
		}
		return &GeoPoint{Lat: lat, Lng: lng}, nil
	}
	return nil, fieldErr("", SeverityInvalid, fmt.Sprintf("cannot use %T as coordinates", v))
}

func (f *SpatialField) latTile(lat float64) int64 {
	return int64(math.Floor((lat - f.MinLat) / f.GridSizeLat))
}

func (f *SpatialField) lngTile(lng float64) int64 {
	return int64(math.Floor((lng - f.MinLng) / f.GridSizeLng))
}

func (f *SpatialField) Serialize(inst *Instance, name string, rec *Record) error {
	v := inst.values[name]
	pt, ok := v.(*GeoPoint)
	if !ok {
		rec.Set(name, nil)
		return nil
	}
	coords := NewRecord(nil)
	coords.Set("lat", pt.Lat)
	coords.Set("lng", pt.Lng)
	sub := NewRecord(nil)
	sub.Set("coordinates", coords)
	latT, lngT := f.latTile(pt.Lat), f.lngTile(pt.Lng)
	sub.Set("latIdx", []any{latT - 1, latT, latT + 1})
	sub.Set("lngIdx", []any{lngT - 1, lngT, lngT + 1})
	rec.Set(name, sub)
	return nil
}

func (f *SpatialField) Unserialize(inst *Instance, name string, rec *Record) error {
	v, ok := rec.Get(name)
	if !ok {
		inst.values[name] = nil
		return nil
	}
	sub, ok := v.(*Record)
	if !ok {
		inst.values[name] = nil
		return nil
	}
	lat, ok1 := sub.Lookup("coordinates.lat")
	lng, ok2 := sub.Lookup("coordinates.lng")
	if !ok1 || !ok2 {
		inst.values[name] = nil
		return nil
	}
	latF, _ := floatValue(lat)
	lngF, _ := floatValue(lng)
	inst.values[name] = &GeoPoint{Lat: latF, Lng: lngF}
	return nil
}

// spatialGuaranteedCorrectness is the Info key under which a spatial
// search reports the radius in meters within which its ranking is
// complete. Points beyond that radius may be missing from the result.
const spatialGuaranteedCorrectness = "spatialGuaranteedCorrectness"

// applyParam turns a plain query parameter on this field into the
// four-direction tile search.
func (f *SpatialField) applyParam(q *Query, name string, v any) {
	if f.GridSizeLat <= 0 || f.GridSizeLng <= 0 {
		panic(fmt.Errorf("spatial field %v has no grid configured", name))
	}
	center, fe := parseGeoPoint(v)
	if fe != nil {
		q.fail(fe.Message)
		return
	}
	if q.srcField != "" || len(q.base.Filters) > 0 {
		q.fail("cannot combine a spatial search with other filters")
		return
	}
	for _, br := range q.branches {
		if len(br.filters) > 0 {
			q.fail("cannot combine a spatial search with other filters")
			return
		}
	}
	latT, lngT := f.latTile(center.Lat), f.lngTile(center.Lng)
	latProp := name + ".coordinates.lat"
	lngProp := name + ".coordinates.lng"
	latIdx := name + ".latIdx"
	lngIdx := name + ".lngIdx"

	q.branches = []branchReq{
		{ // west
			filters: []Filter{{Field: latIdx, Op: OpEq, Value: latT}, {Field: lngProp, Op: OpLe, Value: center.Lng}},
			orders:  []Order{{Field: lngProp, Descending: true}},
		},
		{ // east
			filters: []Filter{{Field: latIdx, Op: OpEq, Value: latT}, {Field: lngProp, Op: OpGt, Value: center.Lng}},
			orders:  []Order{{Field: lngProp}},
		},
		{ // south
			filters: []Filter{{Field: lngIdx, Op: OpEq, Value: lngT}, {Field: latProp, Op: OpLe, Value: center.Lat}},
			orders:  []Order{{Field: latProp, Descending: true}},
		},
		{ // north
			filters: []Filter{{Field: lngIdx, Op: OpEq, Value: lngT}, {Field: latProp, Op: OpGt, Value: center.Lat}},
			orders:  []Order{{Field: latProp}},
		},
	}
	q.internalLimitMul = 2
	q.customMerge = func(branches [][]*Record, merged []*Record) []*Record {
		q.Info[spatialGuaranteedCorrectness] = f.guaranteedRadius(center, latT, lngT, name, branches, q.limit*q.internalLimitMul)
		type ranked struct {
			rec  *Record
			dist float64
		}
		out := make([]ranked, 0, len(merged))
		for _, rec := range merged {
			pt, ok := recordGeoPoint(rec, name)
			if !ok {
				continue
			}
			out = append(out, ranked{rec, haversine(center.Lat, center.Lng, pt.Lat, pt.Lng)})
		}
		for i := 1; i < len(out); i++ {
			for j := i; j > 0 && out[j].dist < out[j-1].dist; j-- {
				out[j], out[j-1] = out[j-1], out[j]
			}
		}
		recs := make([]*Record, len(out))
		for i, r := range out {
			recs[i] = r.rec
		}
		return recs
	}
}

// guaranteedRadius is the distance within which the four directed scans
// are known exhaustive: per direction either the scan hit the tile border
// before running out of budget, or it stopped at its farthest point. The
// minimum over the directions bounds the radius where the merged ranking
// is complete.
func (f *SpatialField) guaranteedRadius(center *GeoPoint, latT, lngT int64, name string, branches [][]*Record, budget int) float64 {
	edges := []float64{
		haversine(center.Lat, center.Lng, center.Lat, f.MinLng+float64(lngT-1)*f.GridSizeLng),   // west tile border
		haversine(center.Lat, center.Lng, center.Lat, f.MinLng+float64(lngT+2)*f.GridSizeLng),   // east tile border
		haversine(center.Lat, center.Lng, f.MinLat+float64(latT-1)*f.GridSizeLat, center.Lng),   // south tile border
		haversine(center.Lat, center.Lng, f.MinLat+float64(latT+2)*f.GridSizeLat, center.Lng),   // north tile border
	}
	radius := math.Inf(1)
	for i, recs := range branches {
		guarantee := edges[i]
		if budget > 0 && len(recs) >= budget {
			last, ok := recordGeoPoint(recs[len(recs)-1], name)
			if ok {
				guarantee = haversine(center.Lat, center.Lng, last.Lat, last.Lng)
			}
		}
		radius = math.Min(radius, guarantee)
	}
	return radius
}

func recordGeoPoint(rec *Record, name string) (*GeoPoint, bool) {
	lat, ok1 := rec.Lookup(name + ".coordinates.lat")
	lng, ok2 := rec.Lookup(name + ".coordinates.lng")
	if !ok1 || !ok2 {
		return nil, false
	}
	latF, _ := floatValue(lat)
	lngF, _ := floatValue(lng)
	return &GeoPoint{Lat: latF, Lng: lngF}, true
}

const earthRadiusMeters = 6371000

// haversine is the great-circle distance between two coordinates in
// meters.
func haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const degToRad = math.Pi / 180
	dLat := (lat2 - lat1) * degToRad
	dLng := (lng2 - lng1) * degToRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
