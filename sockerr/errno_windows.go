//go:build windows

package sockerr

import "golang.org/x/sys/windows"

// Windows has no native ENOENT/ECONNREFUSED family; the WSA-namespaced
// equivalents are substituted here and classified to the same POSIX code
// strings Classify returns on other platforms.
const (
	errEADDRNOTAVAIL = windows.WSAEADDRNOTAVAIL
	errEADDRINUSE    = windows.WSAEADDRINUSE
	errECONNABORTED  = windows.WSAECONNABORTED
	errECONNREFUSED  = windows.WSAECONNREFUSED
	errECONNRESET    = windows.WSAECONNRESET
	errEHOSTUNREACH  = windows.WSAEHOSTUNREACH
	errENETUNREACH   = windows.WSAENETUNREACH
	errENOENT        = windows.ERROR_FILE_NOT_FOUND
	errENOTCONN      = windows.WSAENOTCONN
	errEPIPE         = windows.ERROR_BROKEN_PIPE
	errETIMEDOUT     = windows.WSAETIMEDOUT
)
