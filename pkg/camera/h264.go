package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os/exec"
	"sync"
	"time"
)

// maxGOPBytes caps the buffered group of pictures handed to ffmpeg.
const maxGOPBytes = 4 << 20

var jpegSOI = []byte{0xFF, 0xD8, 0xFF}

// h264Decoder turns Annex-B H264 into RGBA frames using an ffmpeg pipe.
// It buffers from the last keyframe so every decode has a reference.
type h264Decoder struct {
	minInterval time.Duration
	timeout     time.Duration

	mu         sync.Mutex
	gop        bytes.Buffer
	haveKey    bool
	lastDecode time.Time
}

func newH264Decoder(interval time.Duration) *h264Decoder {
	return &h264Decoder{
		minInterval: interval,
		timeout:     200 * time.Millisecond,
	}
}

// Write appends Annex-B data. An SPS or IDR NAL restarts the buffered GOP.
func (d *h264Decoder) Write(annexB []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := firstNALType(annexB); ok && (t == 7 || t == 5) {
		if !(t == 5 && d.haveKey && lastNALWasParamSet(d.gop.Bytes())) {
			d.gop.Reset()
		}
		d.haveKey = true
	}
	if !d.haveKey {
		return
	}
	if d.gop.Len()+len(annexB) > maxGOPBytes {
		d.gop.Reset()
		d.haveKey = false
		return
	}
	d.gop.Write(annexB)
}

// Decode returns the newest picture in the buffered GOP, or nil when rate
// limited or no keyframe has arrived.
func (d *h264Decoder) Decode() (*image.RGBA, error) {
	d.mu.Lock()
	if !d.haveKey || time.Since(d.lastDecode) < d.minInterval {
		d.mu.Unlock()
		return nil, nil
	}
	d.lastDecode = time.Now()
	data := append([]byte(nil), d.gop.Bytes()...)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-loglevel", "error",
		"-f", "h264",
		"-i", "pipe:0",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"pipe:1",
	)
	var stdout bytes.Buffer
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil && stdout.Len() == 0 {
		return nil, err
	}

	return lastJPEG(stdout.Bytes())
}

// lastJPEG decodes the final image of a concatenated MJPEG stream.
func lastJPEG(stream []byte) (*image.RGBA, error) {
	i := bytes.LastIndex(stream, jpegSOI)
	if i < 0 {
		return nil, errors.New("camera: no jpeg in decoder output")
	}
	img, err := jpeg.Decode(bytes.NewReader(stream[i:]))
	if err != nil {
		return nil, err
	}
	return toRGBA(img), nil
}

// firstNALType returns the type of the first NAL unit in an Annex-B buffer.
func firstNALType(b []byte) (byte, bool) {
	for i := 0; i+3 < len(b); i++ {
		if b[i] == 0 && b[i+1] == 0 {
			if b[i+2] == 1 {
				return b[i+3] & 0x1F, true
			}
			if b[i+2] == 0 && i+4 < len(b) && b[i+3] == 1 {
				return b[i+4] & 0x1F, true
			}
		}
	}
	return 0, false
}

// lastNALWasParamSet reports whether the buffer holds only SPS/PPS so far,
// so an IDR following them belongs to the same GOP.
func lastNALWasParamSet(b []byte) bool {
	for i := 0; i+3 < len(b); i++ {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			if t := b[i+3] & 0x1F; t != 7 && t != 8 {
				return false
			}
		}
	}
	return len(b) > 0
}
