package audio

import (
	opus "gopkg.in/hraban/opus.v2"
)

const (
	opusBitrate = 64000
	// maxEncodedBytes is the recommended libopus output buffer size for a
	// single packet.
	maxEncodedBytes = 4000
)

// decoder and encoder are the slices of the Opus bindings the mixer needs.
// Tests substitute deterministic PCM codecs.
type decoder interface {
	DecodeFloat32(data []byte, pcm []float32) (int, error)
}

type encoder interface {
	EncodeFloat32(pcm []float32, data []byte) (int, error)
}

func newOpusDecoder() (decoder, error) {
	return opus.NewDecoder(SampleRate, Channels)
}

func newOpusEncoder() (encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	if err := enc.SetBitrate(opusBitrate); err != nil {
		return nil, err
	}
	return enc, nil
}
