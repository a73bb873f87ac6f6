package protocol

// Transforms is a configured algorithm set for one protocol (IKE or
// ESP/AH), keyed by TransformType so exactly one transform of each
// applicable type is named.
type Transforms map[TransformType]*SaTransform

// AsList flattens the configured set into the order SA payloads expect.
func (t Transforms) AsList() []*SaTransform {
	order := []TransformType{TRANSFORM_TYPE_ENCR, TRANSFORM_TYPE_PRF, TRANSFORM_TYPE_INTEG, TRANSFORM_TYPE_DH, TRANSFORM_TYPE_ESN}
	var out []*SaTransform
	for _, ty := range order {
		if tr, ok := t[ty]; ok {
			out = append(out, tr)
		}
	}
	return out
}

// Within reports whether every transform type this configuration
// requires has a matching value present in trs.
func (t Transforms) Within(trs []*SaTransform) bool {
	for _, want := range t {
		if !listHas(trs, want) {
			return false
		}
	}
	return true
}

func listHas(trs []*SaTransform, want *SaTransform) bool {
	for _, tr := range trs {
		if tr.Equal(want) {
			return true
		}
	}
	return false
}

var (
	transformAES128CBC      = &SaTransform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_AES_CBC), KeyLength: 128}
	transformAES256CBC      = &SaTransform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_AES_CBC), KeyLength: 256}
	transformCamelliaCBC128 = &SaTransform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_CAMELLIA_CBC), KeyLength: 128}
	transformNullEncr       = &SaTransform{Type: TRANSFORM_TYPE_ENCR, TransformId: uint16(ENCR_NULL)}

	transformPrfSha1   = &SaTransform{Type: TRANSFORM_TYPE_PRF, TransformId: uint16(PRF_HMAC_SHA1)}
	transformPrfSha256 = &SaTransform{Type: TRANSFORM_TYPE_PRF, TransformId: uint16(PRF_HMAC_SHA2_256)}

	transformAuthSha1_96      = &SaTransform{Type: TRANSFORM_TYPE_INTEG, TransformId: uint16(AUTH_HMAC_SHA1_96)}
	transformAuthSha256_128   = &SaTransform{Type: TRANSFORM_TYPE_INTEG, TransformId: uint16(AUTH_HMAC_SHA2_256_128)}

	transformDh1024 = &SaTransform{Type: TRANSFORM_TYPE_DH, TransformId: uint16(MODP_1024)}
	transformDh2048 = &SaTransform{Type: TRANSFORM_TYPE_DH, TransformId: uint16(MODP_2048)}
	transformDh3072 = &SaTransform{Type: TRANSFORM_TYPE_DH, TransformId: uint16(MODP_3072)}
	transformDh14   = transformDh2048
	transformDh16   = &SaTransform{Type: TRANSFORM_TYPE_DH, TransformId: uint16(MODP_4096)}

	transformNoEsn = &SaTransform{Type: TRANSFORM_TYPE_ESN, TransformId: uint16(ESN_NONE)}
	transformEsn   = &SaTransform{Type: TRANSFORM_TYPE_ESN, TransformId: uint16(ESN)}
)

// Named presets over AES-CBC, Camellia-CBC, NULL encryption and
// HMAC-SHA1/256. The IKE presets use MODP groups 2, 14 and 16 only;
// no preset uses groups 1, 5, 15, 17 or 18.
var (
	IKE_AES128_CBC_SHA1_96_DH1024 = Transforms{
		TRANSFORM_TYPE_ENCR:  transformAES128CBC,
		TRANSFORM_TYPE_PRF:   transformPrfSha1,
		TRANSFORM_TYPE_INTEG: transformAuthSha1_96,
		TRANSFORM_TYPE_DH:    transformDh1024,
	}
	IKE_AES256_CBC_SHA256_DH2048 = Transforms{
		TRANSFORM_TYPE_ENCR:  transformAES256CBC,
		TRANSFORM_TYPE_PRF:   transformPrfSha256,
		TRANSFORM_TYPE_INTEG: transformAuthSha256_128,
		TRANSFORM_TYPE_DH:    transformDh14,
	}
	IKE_AES256_CBC_SHA256_DH16 = Transforms{
		TRANSFORM_TYPE_ENCR:  transformAES256CBC,
		TRANSFORM_TYPE_PRF:   transformPrfSha256,
		TRANSFORM_TYPE_INTEG: transformAuthSha256_128,
		TRANSFORM_TYPE_DH:    transformDh16,
	}
	IKE_CAMELLIA128_CBC_SHA256_DH2048 = Transforms{
		TRANSFORM_TYPE_ENCR:  transformCamelliaCBC128,
		TRANSFORM_TYPE_PRF:   transformPrfSha256,
		TRANSFORM_TYPE_INTEG: transformAuthSha256_128,
		TRANSFORM_TYPE_DH:    transformDh2048,
	}

	ESP_AES128_CBC_SHA1_96 = Transforms{
		TRANSFORM_TYPE_ENCR:  transformAES128CBC,
		TRANSFORM_TYPE_INTEG: transformAuthSha1_96,
		TRANSFORM_TYPE_ESN:   transformNoEsn,
	}
	ESP_AES256_CBC_SHA256 = Transforms{
		TRANSFORM_TYPE_ENCR:  transformAES256CBC,
		TRANSFORM_TYPE_INTEG: transformAuthSha256_128,
		TRANSFORM_TYPE_ESN:   transformNoEsn,
	}
	ESP_NULL_SHA1_96 = Transforms{
		TRANSFORM_TYPE_ENCR:  transformNullEncr,
		TRANSFORM_TYPE_INTEG: transformAuthSha1_96,
		TRANSFORM_TYPE_ESN:   transformNoEsn,
	}
	ESP_CAMELLIA128_CBC_SHA256 = Transforms{
		TRANSFORM_TYPE_ENCR:  transformCamelliaCBC128,
		TRANSFORM_TYPE_INTEG: transformAuthSha256_128,
		TRANSFORM_TYPE_ESN:   transformEsn,
	}
)

// ProposalFromTransforms builds a single-proposal SA list, the shape
// every IKE_SA_INIT/IKE_AUTH/CREATE_CHILD_SA request sends per
// configured algorithm set.
func ProposalFromTransforms(proto ProtocolId, spi []byte, t Transforms) *SaProposal {
	return &SaProposal{
		Number:     1,
		ProtocolId: proto,
		Spi:        spi,
		Transforms: t.AsList(),
	}
}
