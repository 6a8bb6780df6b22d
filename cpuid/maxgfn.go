package cpuid

// htPages is the 12GiB HyperTransport hole reserved on AMD parts, in
// pages of 1<<pageShift bytes.
func htPages(pageShift uint) uint64 {
	return 12 << (30 - pageShift)
}

// MaxGFN is the highest guest frame number usable with paBits physical
// address bits. On AMD hosts with at least 40 bits it stays below the
// HyperTransport hole: just below 1TiB before family 17h, otherwise at the
// top of the physical address space as the host reports it, reduced by
// the SME bits of leaf 0x8000001f.
func MaxGFN(host HostFunc, paBits, pageShift uint) uint64 {
	maxGFN := uint64(1)<<(paBits-pageShift) - 1

	if !IsAMD(host) || paBits < 40 {
		return maxGFN
	}

	num := htPages(pageShift)
	htGFN := uint64(1)<<28 - num

	if eax, _, _, _ := host(1, 0); Family(eax) >= 0x17 {
		maxExt, _, _, _ := host(0x80000000, 0)
		if maxExt >= 0x80000008 {
			eax, _, _, _ := host(0x80000008, 0)
			maxPFN := uint64(1)<<((uint(eax)&0xff)-pageShift) - 1

			if maxExt >= 0x8000001f {
				_, ebx, _, _ := host(0x8000001f, 0)
				maxPFN >>= (ebx >> 6) & 0x3f
			}

			htGFN = maxPFN - num
		}
	}

	if htGFN-1 < maxGFN {
		return htGFN - 1
	}

	return maxGFN
}
