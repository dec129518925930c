// Package overlay anchors a garment image to body keypoints.
package overlay

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/teslashibe/go-tryon/pkg/pose"
)

// MinKeypointScore is the score a keypoint needs to anchor an overlay.
const MinKeypointScore = 0.3

// Slot is the body region a garment covers.
type Slot string

const (
	UpperBody Slot = "upper-body"
	LowerBody Slot = "lower-body"
	FullBody  Slot = "full-body"
	Head      Slot = "head"
)

// ParseSlot parses a slot name. Empty defaults to UpperBody.
func ParseSlot(s string) (Slot, error) {
	switch v := Slot(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return UpperBody, nil
	case UpperBody, LowerBody, FullBody, Head:
		return v, nil
	default:
		return "", fmt.Errorf("overlay: unknown slot %q", s)
	}
}

// Transform adjusts how the garment is drawn.
type Transform struct {
	Opacity    float64 `json:"opacity"`    // 0 invisible, 1 opaque
	Brightness float64 `json:"brightness"` // multiplier, 1 unchanged
	Contrast   float64 `json:"contrast"`   // multiplier around mid-gray, 1 unchanged
}

// DefaultTransform draws the garment unchanged.
func DefaultTransform() Transform {
	return Transform{Opacity: 1, Brightness: 1, Contrast: 1}
}

// UnmarshalJSON fills fields missing from data with DefaultTransform.
func (t *Transform) UnmarshalJSON(data []byte) error {
	type plain Transform
	v := plain(DefaultTransform())
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*t = Transform(v)
	return nil
}

// Validate checks the transform ranges.
func (t Transform) Validate() error {
	if t.Opacity < 0 || t.Opacity > 1 {
		return fmt.Errorf("overlay: opacity must be in [0,1], got %v", t.Opacity)
	}
	if t.Brightness < 0 || t.Brightness > 3 {
		return fmt.Errorf("overlay: brightness must be in [0,3], got %v", t.Brightness)
	}
	if t.Contrast < 0 || t.Contrast > 3 {
		return fmt.Errorf("overlay: contrast must be in [0,3], got %v", t.Contrast)
	}
	return nil
}

// Anchor binds a garment to a body slot.
type Anchor struct {
	Slot      Slot      `json:"slot"`
	Transform Transform `json:"transform"`
}

type point struct{ x, y float64 }

// Place computes the garment rectangle for slot in a w x h frame. It fails
// when any keypoint the slot needs is missing or below MinKeypointScore, or
// when the rectangle lies entirely outside the frame. The rectangle is not
// clipped; Draw crops whatever falls past the frame edges.
func Place(f pose.Frame, slot Slot, w, h int) (image.Rectangle, bool) {
	get := func(p pose.Part) (point, bool) {
		k, ok := f.Get(p)
		if !ok || k.Score < MinKeypointScore {
			return point{}, false
		}
		return point{k.X * float64(w), k.Y * float64(h)}, true
	}
	either := func(a, b pose.Part) (point, bool) {
		pa, oka := get(a)
		pb, okb := get(b)
		switch {
		case oka && okb:
			return point{(pa.x + pb.x) / 2, (pa.y + pb.y) / 2}, true
		case oka:
			return pa, true
		case okb:
			return pb, true
		}
		return point{}, false
	}

	var r rect
	switch slot {
	case UpperBody:
		ls, ok1 := get(pose.LeftShoulder)
		rs, ok2 := get(pose.RightShoulder)
		lh, ok3 := get(pose.LeftHip)
		rh, ok4 := get(pose.RightHip)
		if !(ok1 && ok2 && ok3 && ok4) {
			return image.Rectangle{}, false
		}
		r = bounds(ls, rs, lh, rh)
		torso := r.y1 - r.y0
		r = r.pad(0.25*r.width(), 0.15*torso, 0.25*r.width(), 0.1*torso)

	case LowerBody:
		lh, ok1 := get(pose.LeftHip)
		rh, ok2 := get(pose.RightHip)
		if !(ok1 && ok2) {
			return image.Rectangle{}, false
		}
		feet, ok := either(pose.LeftAnkle, pose.RightAnkle)
		if !ok {
			if feet, ok = either(pose.LeftKnee, pose.RightKnee); !ok {
				return image.Rectangle{}, false
			}
		}
		r = bounds(lh, rh, feet)
		leg := r.y1 - r.y0
		r = r.pad(0.35*r.width(), 0.05*leg, 0.35*r.width(), 0.03*leg)

	case FullBody:
		ls, ok1 := get(pose.LeftShoulder)
		rs, ok2 := get(pose.RightShoulder)
		feet, ok3 := either(pose.LeftAnkle, pose.RightAnkle)
		if !(ok1 && ok2 && ok3) {
			return image.Rectangle{}, false
		}
		pts := []point{ls, rs, feet}
		for _, p := range []pose.Part{pose.LeftHip, pose.RightHip} {
			if hp, ok := get(p); ok {
				pts = append(pts, hp)
			}
		}
		r = bounds(pts...)
		body := r.y1 - r.y0
		r = r.pad(0.3*r.width(), 0.1*body, 0.3*r.width(), 0.03*body)

	case Head:
		nose, ok := get(pose.Nose)
		if !ok {
			return image.Rectangle{}, false
		}
		var span float64
		le, ok1 := get(pose.LeftEar)
		re, ok2 := get(pose.RightEar)
		if ok1 && ok2 {
			span = 1.8 * math.Hypot(le.x-re.x, le.y-re.y)
		} else {
			lE, ok3 := get(pose.LeftEye)
			rE, ok4 := get(pose.RightEye)
			if !(ok3 && ok4) {
				return image.Rectangle{}, false
			}
			span = 3.2 * math.Hypot(lE.x-rE.x, lE.y-rE.y)
		}
		r = rect{nose.x - span/2, nose.y - 0.6*span, nose.x + span/2, nose.y + 0.4*span}

	default:
		return image.Rectangle{}, false
	}

	out := r.round()
	if out.Empty() || !out.Overlaps(image.Rect(0, 0, w, h)) {
		return image.Rectangle{}, false
	}
	return out, true
}

type rect struct{ x0, y0, x1, y1 float64 }

func bounds(pts ...point) rect {
	r := rect{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for _, p := range pts {
		r.x0 = math.Min(r.x0, p.x)
		r.y0 = math.Min(r.y0, p.y)
		r.x1 = math.Max(r.x1, p.x)
		r.y1 = math.Max(r.y1, p.y)
	}
	return r
}

func (r rect) width() float64 { return r.x1 - r.x0 }

func (r rect) pad(left, top, right, bottom float64) rect {
	return rect{r.x0 - left, r.y0 - top, r.x1 + right, r.y1 + bottom}
}

func (r rect) round() image.Rectangle {
	return image.Rect(
		int(math.Round(r.x0)), int(math.Round(r.y0)),
		int(math.Round(r.x1)), int(math.Round(r.y1)),
	)
}
