package zamq

import "math"

// channelRegistry 连接持有的 channel 编号表。
// 只在连接自身的事件循环中读写，不加锁。
type channelRegistry struct {
	channels map[uint16]*Channel
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{channels: make(map[uint16]*Channel)}
}

// nextNumber 返回当前最大编号 +1，编号从 1 开始。
// 编号空间用尽（65535 已被占用）时返回 0，0 是连接自身的编号
// 不可分配给 channel
func (r *channelRegistry) nextNumber() uint16 {
	var max uint16
	for n := range r.channels {
		if n > max {
			max = n
		}
	}
	if max == math.MaxUint16 {
		return 0
	}
	return max + 1
}

// register 登记编号到 channel 的映射，编号已被占用时返回 false
func (r *channelRegistry) register(number uint16, ch *Channel) bool {
	if _, ok := r.channels[number]; ok {
		return false
	}
	r.channels[number] = ch
	return true
}

func (r *channelRegistry) lookup(number uint16) (*Channel, bool) {
	ch, ok := r.channels[number]
	return ch, ok
}

// numberOf 反查 channel 登记的编号
func (r *channelRegistry) numberOf(ch *Channel) (uint16, bool) {
	for n, c := range r.channels {
		if c == ch {
			return n, true
		}
	}
	return 0, false
}

func (r *channelRegistry) erase(number uint16) {
	delete(r.channels, number)
}

func (r *channelRegistry) each(f func(number uint16, ch *Channel)) {
	for n, ch := range r.channels {
		f(n, ch)
	}
}

func (r *channelRegistry) clear() {
	r.channels = make(map[uint16]*Channel)
}

func (r *channelRegistry) size() int {
	return len(r.channels)
}

func (r *channelRegistry) numbers() []uint16 {
	out := make([]uint16, 0, len(r.channels))
	for n := range r.channels {
		out = append(out, n)
	}
	return out
}
