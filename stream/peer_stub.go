//go:build !windows

package stream

func peerInfo(handle any) string {
	return ""
}
