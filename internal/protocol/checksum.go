package protocol

import "github.com/sigurn/crc16"

// Checksum is the Protocol 1.0 trailer: the one's complement of the byte sum
// from ID through the last parameter.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return ^sum
}

// Protocol 2.0 uses CRC-16/BUYPASS: polynomial 0x8005, initial value 0, no
// reflection and no final xor.
var crcTable = crc16.MakeTable(crc16.CRC16_BUYPASS)

// UpdateCRC continues a Protocol 2.0 CRC over data. Start with 0.
func UpdateCRC(crc uint16, data []byte) uint16 {
	return crc16.Update(crc, data, crcTable)
}
