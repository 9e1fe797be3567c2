// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

// ADPCM mono/stereo audio codec, applied to non-first sectors of a WAVE
// file per spec.md §4.G. Ported from the reference source's adpcm.c
// (Ladislav Zezula's Storm.dll-compatible implementation) into the shapes
// compressData/decompressData already work with: a whole buffer in, a whole
// buffer out.

const (
	initialADPCMStepIndex = 0x2C
	maxADPCMChannels      = 2
)

var adpcmNextStepTable = [32]int{
	-1, 0, -1, 4, -1, 2, -1, 6,
	-1, 1, -1, 5, -1, 3, -1, 7,
	-1, 1, -1, 5, -1, 3, -1, 7,
	-1, 2, -1, 4, -1, 6, -1, 8,
}

var adpcmStepSizeTable = [89]int{
	7, 8, 9, 10, 11, 12, 13, 14,
	16, 17, 19, 21, 23, 25, 28, 31,
	34, 37, 41, 45, 50, 55, 60, 66,
	73, 80, 88, 97, 107, 118, 130, 143,
	157, 173, 190, 209, 230, 253, 279, 307,
	337, 371, 408, 449, 494, 544, 598, 658,
	724, 796, 876, 963, 1060, 1166, 1282, 1411,
	1552, 1707, 1878, 2066, 2272, 2499, 2749, 3024,
	3327, 3660, 4026, 4428, 4871, 5358, 5894, 6484,
	7132, 7845, 8630, 9493, 10442, 11487, 12635, 13899,
	15289, 16818, 18500, 20350, 22385, 24623, 27086, 29794,
	32767,
}

func adpcmNextStepIndex(stepIndex int, encoded byte) int {
	stepIndex += adpcmNextStepTable[encoded&0x1F]
	if stepIndex < 0 {
		return 0
	}
	if stepIndex > 88 {
		return 88
	}
	return stepIndex
}

func adpcmUpdatePredicted(predicted int, encoded byte, difference int) int {
	if encoded&0x40 != 0 {
		predicted -= difference
		if predicted <= -32768 {
			predicted = -32768
		}
	} else {
		predicted += difference
		if predicted >= 32767 {
			predicted = 32767
		}
	}
	return predicted
}

func adpcmDecodeSample(predicted int, encoded byte, stepSize, difference int) int {
	if encoded&0x01 != 0 {
		difference += stepSize >> 0
	}
	if encoded&0x02 != 0 {
		difference += stepSize >> 1
	}
	if encoded&0x04 != 0 {
		difference += stepSize >> 2
	}
	if encoded&0x08 != 0 {
		difference += stepSize >> 3
	}
	if encoded&0x10 != 0 {
		difference += stepSize >> 4
	}
	if encoded&0x20 != 0 {
		difference += stepSize >> 5
	}
	return adpcmUpdatePredicted(predicted, encoded, difference)
}

func readWordSample(buf []byte, pos int) (int16, bool) {
	if pos+2 > len(buf) {
		return 0, false
	}
	return int16(uint16(buf[pos]) | uint16(buf[pos+1])<<8), true
}

func writeWordSample(out []byte, pos int, v int16) {
	out[pos] = byte(uint16(v))
	out[pos+1] = byte(uint16(v) >> 8)
}

// adpcmDecompress decodes ADPCM-compressed audio. The first byte of data is
// always zero, the second carries the bit shift (compression level - 1),
// followed by one initial 16-bit sample per channel, then one encoded byte
// per remaining sample.
func adpcmDecompress(data []byte, uncompressedSize uint32, channelCount int) ([]byte, error) {
	if len(data) < 2+2*channelCount {
		return nil, newErr(KindFileCorrupt, "adpcm decompress", "", nil)
	}
	bitShift := data[1]

	predicted := make([]int, maxADPCMChannels)
	stepIndex := make([]int, maxADPCMChannels)
	stepIndex[0] = initialADPCMStepIndex
	stepIndex[1] = initialADPCMStepIndex

	out := make([]byte, uncompressedSize)
	outPos := 0
	pos := 2

	for ch := 0; ch < channelCount; ch++ {
		sample, ok := readWordSample(data, pos)
		if !ok {
			return out[:outPos], nil
		}
		pos += 2
		predicted[ch] = int(sample)
		if outPos+2 > len(out) {
			return out[:outPos], nil
		}
		writeWordSample(out, outPos, sample)
		outPos += 2
	}

	channelIndex := channelCount - 1
	for pos < len(data) {
		encoded := data[pos]
		pos++
		channelIndex = (channelIndex + 1) % channelCount

		switch encoded {
		case 0x80:
			if stepIndex[channelIndex] != 0 {
				stepIndex[channelIndex]--
			}
			if outPos+2 > len(out) {
				return out[:outPos], nil
			}
			writeWordSample(out, outPos, int16(predicted[channelIndex]))
			outPos += 2
		case 0x81:
			stepIndex[channelIndex] += 8
			if stepIndex[channelIndex] > 0x58 {
				stepIndex[channelIndex] = 0x58
			}
			channelIndex = (channelIndex + 1) % channelCount
		default:
			si := stepIndex[channelIndex]
			stepSize := adpcmStepSizeTable[si]
			predicted[channelIndex] = adpcmDecodeSample(predicted[channelIndex], encoded, stepSize, stepSize>>bitShift)
			if outPos+2 > len(out) {
				return out[:outPos], nil
			}
			writeWordSample(out, outPos, int16(predicted[channelIndex]))
			outPos += 2
			stepIndex[channelIndex] = adpcmNextStepIndex(si, encoded)
		}
	}

	return out[:outPos], nil
}
