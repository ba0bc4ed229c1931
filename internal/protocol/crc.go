package protocol

import "hash/crc32"

// CalculateCRC computes the CRC-16-CCITT frame checksum of data.
func CalculateCRC(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// ImageChecksum returns the CRC-32 (IEEE) of a firmware image, as announced
// in ModeQuery and recorded in the swap marker.
func ImageChecksum(image []byte) uint32 {
	return crc32.ChecksumIEEE(image)
}
