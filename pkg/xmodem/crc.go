package xmodem

// crcTable holds CRC-CCITT (poly 0x1021, MSB first) remainders per byte.
var crcTable = func() (t [256]uint16) {
    for i := range t {
        c := uint16(i) << 8
        for b := 0; b < 8; b++ {
            if c&0x8000 != 0 {
                c = c<<1 ^ 0x1021
            } else {
                c <<= 1
            }
        }
        t[i] = c
    }
    return t
}()

// CRC16 computes the XMODEM flavour of CRC-CCITT (initial value 0, no final
// xor) over b.
func CRC16(b []byte) uint16 {
    var crc uint16
    for _, v := range b {
        crc = crc<<8 ^ crcTable[byte(crc>>8)^v]
    }
    return crc
}
