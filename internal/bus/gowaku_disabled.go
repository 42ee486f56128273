//go:build !real_waku

package bus

func newGoWakuBackend() wakuBackend {
	return nil
}
