package audio

import "slices"

func bytesToLES16Slice(src []byte, dst []int16) []int16 {
	s16len := len(src) / 2
	dst = slices.Grow(dst, s16len)
	for i := 0; i < s16len; i++ {
		dst = append(dst, int16(src[i*2])|(int16(src[i*2+1])<<8))
	}
	return dst
}

func leS16SliceToBytes(src []int16, dst []byte) []byte {
	dst = slices.Grow(dst, len(src)*2)
	for _, s := range src {
		dst = append(dst, byte(s), byte(s>>8))
	}
	return dst
}
