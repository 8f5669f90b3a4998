package zamq

import "testing"

func TestRegistryNumbering(t *testing.T) {
	r := newChannelRegistry()
	if n := r.nextNumber(); n != 1 {
		t.Fatalf("first number = %d, want 1", n)
	}

	for i := uint16(1); i <= 3; i++ {
		if !r.register(i, &Channel{number: i}) {
			t.Fatalf("register %d failed", i)
		}
	}
	if n := r.nextNumber(); n != 4 {
		t.Fatalf("next after 1,2,3 = %d, want 4", n)
	}

	// 释放中间编号不回收，仍取最大编号 +1
	r.erase(2)
	if n := r.nextNumber(); n != 4 {
		t.Fatalf("next after erasing 2 = %d, want 4", n)
	}

	r.erase(3)
	if n := r.nextNumber(); n != 2 {
		t.Fatalf("next after erasing 3 = %d, want 2", n)
	}
}

func TestRegistryNumbersExhausted(t *testing.T) {
	r := newChannelRegistry()
	r.register(65534, &Channel{number: 65534})
	if n := r.nextNumber(); n != 65535 {
		t.Fatalf("next after 65534 = %d, want 65535", n)
	}

	// 0 是连接自身的编号，65535 之后无号可分
	r.register(65535, &Channel{number: 65535})
	if n := r.nextNumber(); n != 0 {
		t.Fatalf("next after 65535 = %d, want 0", n)
	}

	r.erase(65535)
	if n := r.nextNumber(); n != 65535 {
		t.Fatalf("next after erasing 65535 = %d, want 65535", n)
	}
}

func TestRegistryRegisterDup(t *testing.T) {
	r := newChannelRegistry()
	a := &Channel{number: 5}
	if !r.register(5, a) {
		t.Fatal("first register failed")
	}
	if r.register(5, &Channel{number: 5}) {
		t.Fatal("duplicate register succeeded")
	}
	ch, ok := r.lookup(5)
	if !ok || ch != a {
		t.Fatal("lookup did not return the first channel")
	}
}

func TestRegistryNumberOf(t *testing.T) {
	r := newChannelRegistry()
	a, b := &Channel{number: 1}, &Channel{number: 2}
	r.register(1, a)
	r.register(2, b)

	if n, ok := r.numberOf(b); !ok || n != 2 {
		t.Fatalf("numberOf = %d, %v", n, ok)
	}
	r.erase(2)
	if _, ok := r.numberOf(b); ok {
		t.Fatal("numberOf found an erased channel")
	}
	if r.size() != 1 {
		t.Fatalf("size = %d, want 1", r.size())
	}

	r.clear()
	if r.size() != 0 || len(r.numbers()) != 0 {
		t.Fatal("clear left entries behind")
	}
}
