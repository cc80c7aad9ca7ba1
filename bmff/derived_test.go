/*
Copyright 2018 The go4 Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bmff

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestImageGridRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		grid     ImageGrid
		wantSize int
	}{
		{
			name:     "narrow fields",
			grid:     ImageGrid{RowsMinusOne: 1, ColumnsMinusOne: 1, OutputWidth: 4032, OutputHeight: 3024},
			wantSize: 8,
		},
		{
			name:     "wide fields",
			grid:     ImageGrid{RowsMinusOne: 7, ColumnsMinusOne: 9, OutputWidth: 70000, OutputHeight: 50000},
			wantSize: 12,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.grid.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary: %v", err)
			}
			if len(data) != tt.wantSize {
				t.Errorf("payload size = %d, want %d", len(data), tt.wantSize)
			}
			var got ImageGrid
			if err := got.UnmarshalBinary(data); err != nil {
				t.Fatalf("UnmarshalBinary: %v", err)
			}
			if d := cmp.Diff(tt.grid, got); d != "" {
				t.Errorf("round trip (-want +got):\n%s", d)
			}
		})
	}
}

func TestImageGridCounts(t *testing.T) {
	g := ImageGrid{RowsMinusOne: 3, ColumnsMinusOne: 0}
	if g.Rows() != 4 || g.Columns() != 1 {
		t.Errorf("Rows, Columns = %d, %d, want 4, 1", g.Rows(), g.Columns())
	}
}

func TestImageGridUnmarshalRejects(t *testing.T) {
	var g ImageGrid
	if err := g.UnmarshalBinary([]byte{0, 0, 1}); err == nil {
		t.Error("accepted a truncated payload")
	}
	if err := g.UnmarshalBinary([]byte{1, 0, 1, 1, 0, 16, 0, 16}); err == nil {
		t.Error("accepted an unknown payload version")
	}
	// Wide flag set but only narrow fields present.
	if err := g.UnmarshalBinary([]byte{0, 1, 1, 1, 0, 16, 0, 16}); err == nil {
		t.Error("accepted a wide-flagged payload with narrow fields")
	}
}

func TestImageOverlayRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		overlay ImageOverlay
	}{
		{
			name: "narrow with negative offsets",
			overlay: ImageOverlay{
				CanvasFill:   [4]uint16{0xFFFF, 0, 0, 0xFFFF},
				OutputWidth:  640,
				OutputHeight: 480,
				Offsets: []OverlayOffset{
					{Horizontal: 0, Vertical: 0},
					{Horizontal: -16, Vertical: 320},
				},
			},
		},
		{
			name: "wide offsets",
			overlay: ImageOverlay{
				OutputWidth:  1920,
				OutputHeight: 1080,
				Offsets:      []OverlayOffset{{Horizontal: 40000, Vertical: -40000}},
			},
		},
		{
			name: "wide canvas",
			overlay: ImageOverlay{
				OutputWidth:  90000,
				OutputHeight: 16,
				Offsets:      []OverlayOffset{{Horizontal: 1, Vertical: 2}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.overlay.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary: %v", err)
			}
			var got ImageOverlay
			if err := got.UnmarshalBinary(data); err != nil {
				t.Fatalf("UnmarshalBinary: %v", err)
			}
			if d := cmp.Diff(tt.overlay, got); d != "" {
				t.Errorf("round trip (-want +got):\n%s", d)
			}
		})
	}
}

func TestImageOverlayOffsetCountFromLength(t *testing.T) {
	o := ImageOverlay{
		OutputWidth:  32,
		OutputHeight: 32,
		Offsets:      make([]OverlayOffset, 5),
	}
	data, err := o.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got ImageOverlay
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}
	if len(got.Offsets) != 5 {
		t.Errorf("offsets = %d, want 5", len(got.Offsets))
	}

	// A ragged tail is not a whole number of offset pairs.
	if err := got.UnmarshalBinary(append(data, 0)); err == nil {
		t.Error("accepted a ragged offset tail")
	}
}
