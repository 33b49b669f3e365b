package utils

import (
	"errors"
	"net"
	"os"
	"strings"
)

/*
	Common

	Some commonly used functions in Lattice
*/

func FileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}

func IsDir(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.IsDir()
}

// Validate if the listening address is correct
func ValidateListeningAddress(address string) bool {
	//Check if the address starts with a colon, indicating it's just a port
	if strings.HasPrefix(address, ":") {
		return true
	}

	//Split the address into host and port if it's not just a port
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		//This might be a hostname or IP without a port
		return net.ParseIP(address) != nil || address != ""
	}

	//Check if the port is valid
	if port == "" {
		return false
	}

	//Check if the host is a valid IP address or hostname
	if host != "" && host != "*" {
		if ip := net.ParseIP(host); ip == nil {
			//Not an IP address, check if it's a valid hostname
			if len(host) == 0 || len(host) > 253 {
				return false
			}
		}
	}

	return true
}

// Split a NAME=VALUE override pair. Returns an error if the
// separator is missing or the name is empty.
func SplitOverridePair(pair string) (string, string, error) {
	idx := strings.Index(pair, "=")
	if idx <= 0 {
		return "", "", errors.New("expected NAME=VALUE, got \"" + pair + "\"")
	}
	return pair[:idx], pair[idx+1:], nil
}

const hexDigits = "0123456789abcdef"

// Escape arbitrary text for embedding in a JSON string literal.
// Control characters escape to \u00XX, everything else passes through
// byte for byte.
func EscapeJSONString(text string) string {
	escaped := strings.Builder{}
	escaped.Grow(len(text) + 1)
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '"':
			escaped.WriteString("\\\"")
		case '\\':
			escaped.WriteString("\\\\")
		case '\b':
			escaped.WriteString("\\b")
		case '\f':
			escaped.WriteString("\\f")
		case '\n':
			escaped.WriteString("\\n")
		case '\r':
			escaped.WriteString("\\r")
		case '\t':
			escaped.WriteString("\\t")
		default:
			if c < 0x20 {
				escaped.WriteString("\\u00")
				escaped.WriteByte(hexDigits[c/16])
				escaped.WriteByte(hexDigits[c%16])
			} else {
				escaped.WriteByte(c)
			}
		}
	}
	return escaped.String()
}
