package machine

import "fmt"

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint8

const (
	RegisterInvalid Register = iota

	RegisterRax
	RegisterRbx
	RegisterRcx
	RegisterRdx
	RegisterRsi
	RegisterRdi
	RegisterRsp
	RegisterRbp
	RegisterR8
	RegisterR9
	RegisterR10
	RegisterR11
	RegisterR12
	RegisterR13
	RegisterR14
	RegisterR15
	RegisterRip
	RegisterRflags

	// Control state. CR3 is only written through EnablePaging.
	RegisterCr0
	RegisterCr3
	RegisterCr4
	RegisterEfer

	registerCount
)

var registerNames = [registerCount]string{
	RegisterInvalid: "invalid",
	RegisterRax:     "rax",
	RegisterRbx:     "rbx",
	RegisterRcx:     "rcx",
	RegisterRdx:     "rdx",
	RegisterRsi:     "rsi",
	RegisterRdi:     "rdi",
	RegisterRsp:     "rsp",
	RegisterRbp:     "rbp",
	RegisterR8:      "r8",
	RegisterR9:      "r9",
	RegisterR10:     "r10",
	RegisterR11:     "r11",
	RegisterR12:     "r12",
	RegisterR13:     "r13",
	RegisterR14:     "r14",
	RegisterR15:     "r15",
	RegisterRip:     "rip",
	RegisterRflags:  "rflags",
	RegisterCr0:     "cr0",
	RegisterCr3:     "cr3",
	RegisterCr4:     "cr4",
	RegisterEfer:    "efer",
}

func (r Register) String() string {
	if r < registerCount {
		return registerNames[r]
	}
	return fmt.Sprintf("Register(%d)", uint8(r))
}

const (
	cr0PE   = 1 << 0
	cr0WP   = 1 << 16
	cr0PG   = 1 << 31
	cr4PAE  = 1 << 5
	eferLME = 1 << 8
	eferLMA = 1 << 10
	eferNXE = 1 << 11

	rflagsReserved = 1 << 1
)
