package gateway

import "testing"

func TestParseClientFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
		want    ClientFrame
	}{
		{
			name: "watch entry",
			data: `{"type":"watch_entry","id":"abc"}`,
			want: ClientFrame{Type: TypeWatchEntry, ID: "abc"},
		},
		{
			name: "unwatch inbound",
			data: `{"type":"unwatch_inbound","id":"abc"}`,
			want: ClientFrame{Type: TypeUnwatchInbound, ID: "abc"},
		},
		{
			name: "ping needs no id",
			data: `{"type":"ping"}`,
			want: ClientFrame{Type: TypePing},
		},
		{
			name:    "watch without id",
			data:    `{"type":"watch_entry"}`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			data:    `{"type":"subscribe","id":"abc"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			data:    `{{{`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := ParseClientFrame([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseClientFrame(%s) expected error, got %+v", tt.data, frame)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseClientFrame(%s) unexpected error: %v", tt.data, err)
			}
			if *frame != tt.want {
				t.Errorf("ParseClientFrame(%s) = %+v, want %+v", tt.data, *frame, tt.want)
			}
		})
	}
}
