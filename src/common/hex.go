package common

import (
	"encoding/hex"
	"fmt"
)

// EncodeToString renders bytes as uppercase hex with a 0X prefix. This is
// the display form of public keys throughout the module.
func EncodeToString(hexBytes []byte) string {
	return fmt.Sprintf("0X%X", hexBytes)
}

// DecodeFromString parses the 0X-prefixed form back into bytes.
func DecodeFromString(hexString string) ([]byte, error) {
	return hex.DecodeString(hexString[2:])
}
