package xlat

import (
	"fmt"

	"github.com/addiethehomie/IMIC-SDS/arch"
)

// MaxInstLen is the longest byte sequence the translator inspects.
const MaxInstLen = 16

// mvexInstLen is the fixed length of the simplified KNC vector encoding:
// prefix, two payload bytes, opcode (the fourth byte), and four operand
// bytes.
const mvexInstLen = 8

// Stats are the counters of one translator instance.
type Stats struct {
	InstructionsTranslated uint64
	CacheHits              uint64
	CacheMisses            uint64
	VectorInstructions     uint64
	KNCSpecific            uint64
}

// A Translator turns KNC instruction bytes into a host-executable form. Each
// core owns its own translator; translation is a pure function of the input
// bytes, so instances never need to synchronize.
type Translator struct {
	profile arch.Profile
	cache   *Cache

	stats Stats
}

// TranslatorBuilder can build translators.
type TranslatorBuilder struct {
	profile   arch.Profile
	cacheSize int
}

// MakeTranslatorBuilder creates a builder with default parameters.
func MakeTranslatorBuilder() TranslatorBuilder {
	return TranslatorBuilder{
		profile:   arch.KNC(),
		cacheSize: DefaultCacheSize,
	}
}

// WithProfile sets the architecture profile, which decides whether the
// KNL-only extensions are recognized.
func (b TranslatorBuilder) WithProfile(p arch.Profile) TranslatorBuilder {
	b.profile = p
	return b
}

// WithCacheSize sets the number of translation-cache entries.
func (b TranslatorBuilder) WithCacheSize(size int) TranslatorBuilder {
	b.cacheSize = size
	return b
}

// Build creates a new Translator.
func (b TranslatorBuilder) Build() *Translator {
	return &Translator{
		profile: b.profile,
		cache:   NewCache(b.cacheSize),
	}
}

// Translate returns the host form of the instruction at pc. Results are
// served from the translation cache when the PC matches.
func (t *Translator) Translate(pc uint64, bytes []byte) Translation {
	t.stats.InstructionsTranslated++

	if len(bytes) > MaxInstLen {
		bytes = bytes[:MaxInstLen]
	}

	if trans, ok := t.cache.Lookup(pc); ok {
		t.stats.CacheHits++
		return trans
	}
	t.stats.CacheMisses++

	trans := t.translate(pc, bytes)
	t.cache.Insert(pc, bytes, trans)

	return trans
}

func (t *Translator) translate(pc uint64, bytes []byte) Translation {
	kind, instType := t.classify(bytes)

	switch kind {
	case KindVector:
		t.stats.VectorInstructions++
		return t.translateVector(pc, bytes, instType)
	case KindUnknownVector:
		t.stats.VectorInstructions++
		return Translation{
			PC:             pc,
			Original:       copyBytes(bytes),
			GuestLength:    mvexInstLen,
			Kind:           instType,
			Desc:           "unknown vector instruction, interpreted",
			Emulated:       true,
			OverheadCycles: 10,
		}
	case KindKNCScalar:
		t.stats.KNCSpecific++
		length := scalarLength(bytes)
		return Translation{
			PC:             pc,
			Original:       copyBytes(bytes[:length]),
			Bytes:          copyBytes(bytes[:length]),
			Length:         length,
			GuestLength:    length,
			Kind:           instType,
			Desc:           "KNC scalar instruction, emulated",
			Emulated:       true,
			OverheadCycles: 5,
		}
	default:
		length := scalarLength(bytes)
		return Translation{
			PC:          pc,
			Original:    copyBytes(bytes[:length]),
			Bytes:       copyBytes(bytes[:length]),
			Length:      length,
			GuestLength: length,
			Kind:        instType,
			Desc:        "native x86 instruction",
		}
	}
}

// classify maps the leading bytes onto a translation path. Vector encodings
// carry the 0x62 prefix with the opcode in the fourth byte.
func (t *Translator) classify(bytes []byte) (Kind, InstType) {
	if len(bytes) == 0 {
		return KindPassthrough, 0
	}

	if bytes[0] == evexPrefix && len(bytes) >= 4 {
		op := InstType(bytes[3])
		if t.hasCounterpart(op) {
			return KindVector, op
		}
		return KindUnknownVector, op
	}

	// CLEVICT-style cache control only exists on KNC silicon.
	if len(bytes) >= 2 && bytes[0] == 0x0F && bytes[1] == 0xAE {
		return KindKNCScalar, InstType(bytes[1])
	}

	var op InstType
	if len(bytes) > 0 {
		op = InstType(bytes[0])
	}

	return KindPassthrough, op
}

func (t *Translator) hasCounterpart(op InstType) bool {
	switch op {
	case InstAddPS, InstSubPS, InstMulPS, InstDivPS,
		InstVMinPS, InstVMaxPS, InstVPMulUD, InstVPBcastD,
		InstVGatherD, InstVPermD, InstVScatter, InstVCmpPS,
		InstVPSubD, InstVPAddD:
		return true
	case InstVExpandPD, InstVCompressPD, InstVPermILPD, InstVPermD2,
		InstVPermT2D, InstVPMovD, InstVFMAdd231PS, InstVFMSub231PS:
		return t.profile.Family == arch.KnightsLanding
	default:
		return false
	}
}

func (t *Translator) translateVector(
	pc uint64,
	bytes []byte,
	op InstType,
) Translation {
	encoded := encodeAVX512(op)

	overhead := 1
	switch op {
	case InstVPAddD, InstVPBcastD:
		overhead = 0
	}

	return Translation{
		PC:             pc,
		Original:       copyBytes(bytes),
		Bytes:          encoded,
		Length:         len(encoded),
		GuestLength:    mvexInstLen,
		Kind:           op,
		Desc:           fmt.Sprintf("KNC %s -> AVX-512 %s", op.Name(), op.Name()),
		OverheadCycles: overhead,
	}
}

// encodeAVX512 emits the EVEX form of a vector op. Register operands are
// carried over positionally, so the ModR/M and SIB bytes stay zero here.
func encodeAVX512(op InstType) []byte {
	return []byte{evexPrefix, 0x01, 0x00, byte(op), 0x00, 0x00}
}

// scalarLength estimates the byte length of a non-vector instruction.
func scalarLength(bytes []byte) int {
	if len(bytes) == 0 {
		return 1
	}

	switch bytes[0] {
	case 0x90, 0xC3:
		return 1
	case 0x0F:
		if len(bytes) >= 2 && bytes[1] == 0x05 {
			return 2
		}
		if len(bytes) >= 3 && bytes[1] == 0xAE {
			return 3
		}
		return 2
	case 0x48:
		// REX.W mov reg, imm32
		if len(bytes) >= 3 && bytes[1] == 0xC7 {
			return 7
		}
		return 1
	default:
		if bytes[0] >= 0xB8 && bytes[0] <= 0xBF {
			return 5
		}
		return 1
	}
}

// FlushCache invalidates every translation-cache entry.
func (t *Translator) FlushCache() {
	t.cache.Flush()
}

// InvalidateRange invalidates cached translations whose PC falls in
// [start, start+size).
func (t *Translator) InvalidateRange(start, size uint64) {
	t.cache.InvalidateRange(start, size)
}

// CollectStats returns a copy of the translator counters.
func (t *Translator) CollectStats() Stats {
	return t.stats
}

// HitRate returns the translation-cache hit rate in percent.
func (t *Translator) HitRate() float64 {
	total := t.stats.CacheHits + t.stats.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(t.stats.CacheHits) / float64(total) * 100
}

func copyBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
