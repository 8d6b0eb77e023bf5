package oid

import (
	"crypto/x509"
	"encoding/asn1"
	"sort"
)

// KeyUsageName provides map of names
var KeyUsageName = map[x509.KeyUsage]string{
	x509.KeyUsageDigitalSignature:  "signing",
	x509.KeyUsageContentCommitment: "content commitment",
	x509.KeyUsageKeyEncipherment:   "key encipherment",
	x509.KeyUsageKeyAgreement:      "key agreement",
	x509.KeyUsageDataEncipherment:  "data encipherment",
	x509.KeyUsageCertSign:          "cert sign",
	x509.KeyUsageCRLSign:           "crl sign",
	x509.KeyUsageEncipherOnly:      "encipher only",
	x509.KeyUsageDecipherOnly:      "decipher only",
}

// ExtKeyUsageName provides map of names
var ExtKeyUsageName = map[x509.ExtKeyUsage]string{
	x509.ExtKeyUsageAny:             "any",
	x509.ExtKeyUsageServerAuth:      "server auth",
	x509.ExtKeyUsageClientAuth:      "client auth",
	x509.ExtKeyUsageCodeSigning:     "code signing",
	x509.ExtKeyUsageEmailProtection: "email protection",
	x509.ExtKeyUsageTimeStamping:    "timestamping",
	x509.ExtKeyUsageOCSPSigning:     "ocsp signing",
}

// Signature algorithms
var (
	SHA1WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	SHA224WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 14}
	SHA256WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	SHA384WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	SHA512WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	RSASSAPSS     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	MGF1          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 8}

	ECDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	ECDSAWithSHA224 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 1}
	ECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	ECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	ECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}

	// BSI TR-03111 plain ECDSA signatures
	PlainECDSAWithSHA1   = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 1, 4, 1, 1}
	PlainECDSAWithSHA224 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 1, 4, 1, 2}
	PlainECDSAWithSHA256 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 1, 4, 1, 3}
	PlainECDSAWithSHA384 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 1, 4, 1, 4}
	PlainECDSAWithSHA512 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 1, 4, 1, 5}

	DSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10040, 4, 3}
	DSAWithSHA224 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 1}
	DSAWithSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 2}
)

// Hash algorithms
var (
	SHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	SHA224 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}
	SHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	SHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	SHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// DisplayName provides OID name
var DisplayName = map[string]string{
	"1.2.840.113549.1.1.5":    "SHA1-RSA",
	"1.2.840.113549.1.1.14":   "SHA224-RSA",
	"1.2.840.113549.1.1.11":   "SHA256-RSA",
	"1.2.840.113549.1.1.12":   "SHA384-RSA",
	"1.2.840.113549.1.1.13":   "SHA512-RSA",
	"1.2.840.113549.1.1.10":   "RSASSA-PSS",
	"1.2.840.10045.4.1":       "ECDSA-SHA1",
	"1.2.840.10045.4.3.1":     "ECDSA-SHA224",
	"1.2.840.10045.4.3.2":     "ECDSA-SHA256",
	"1.2.840.10045.4.3.3":     "ECDSA-SHA384",
	"1.2.840.10045.4.3.4":     "ECDSA-SHA512",
	"0.4.0.127.0.7.1.1.4.1.1": "PLAIN-ECDSA-SHA1",
	"0.4.0.127.0.7.1.1.4.1.2": "PLAIN-ECDSA-SHA224",
	"0.4.0.127.0.7.1.1.4.1.3": "PLAIN-ECDSA-SHA256",
	"0.4.0.127.0.7.1.1.4.1.4": "PLAIN-ECDSA-SHA384",
	"0.4.0.127.0.7.1.1.4.1.5": "PLAIN-ECDSA-SHA512",
	"1.2.840.10040.4.3":       "DSA-SHA1",
	"2.16.840.1.101.3.4.3.1":  "DSA-SHA224",
	"2.16.840.1.101.3.4.3.2":  "DSA-SHA256",
	"1.3.14.3.2.26":           "SHA1",
	"2.16.840.1.101.3.4.2.4":  "SHA224",
	"2.16.840.1.101.3.4.2.1":  "SHA256",
	"2.16.840.1.101.3.4.2.2":  "SHA384",
	"2.16.840.1.101.3.4.2.3":  "SHA512",
}

// Name returns display name of the OID, or its dotted string
func Name(id asn1.ObjectIdentifier) string {
	s := id.String()
	if n, ok := DisplayName[s]; ok {
		return n
	}
	return s
}

// KeyUsages returns sorted list of names
func KeyUsages(ku x509.KeyUsage) []string {
	list := make([]string, 0, len(KeyUsageName))
	for k, v := range KeyUsageName {
		if ku&k == k {
			list = append(list, v)
		}
	}
	sort.Strings(list)
	return list
}

// ExtKeyUsages returns list of names
func ExtKeyUsages(eku ...x509.ExtKeyUsage) []string {
	list := make([]string, 0, len(eku))

	for _, k := range eku {
		if n, ok := ExtKeyUsageName[k]; ok {
			list = append(list, n)
		}
	}

	return list
}

// Strings returns list of OID string values
func Strings(ids ...asn1.ObjectIdentifier) []string {
	list := make([]string, 0, len(ids))

	for _, k := range ids {
		list = append(list, k.String())
	}

	return list
}
