package cryptoutils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

var (
	DCAPAttestation  = AttestationType{StringID: "qemu-tdx"}
	DummyAttestation = AttestationType{StringID: "dummy"}
)

// ErrDummyAttestation is returned when a dummy attestation is presented to a
// verifier that does not accept them.
var ErrDummyAttestation = errors.New("dummy attestation not accepted")

type AttestationType struct {
	StringID string
}

func AttestationTypeFromString(str string) (AttestationType, error) {
	switch str {
	case DCAPAttestation.StringID:
		return DCAPAttestation, nil
	case DummyAttestation.StringID:
		return DummyAttestation, nil
	default:
		return AttestationType{}, errors.ErrUnsupported
	}
}

type AttestationProvider interface {
	AttestationType() AttestationType
	Attest(reportData [64]byte) ([]byte, error)
}

// AttestationProviderFor returns a provider for the attestation type string.
// A non-empty remoteAddress selects the remote quote provider for DCAP.
func AttestationProviderFor(str string, remoteAddress string) (AttestationProvider, error) {
	attType, err := AttestationTypeFromString(str)
	if err != nil {
		return nil, fmt.Errorf("attestation type %q: %w", str, err)
	}
	switch {
	case attType == DummyAttestation:
		return DummyAttestationProvider{}, nil
	case remoteAddress != "":
		return &RemoteAttestationProvider{Address: remoteAddress}, nil
	default:
		return DCAPAttestationProvider{}, nil
	}
}

type RemoteAttestationProvider struct {
	Address string
}

func (*RemoteAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (p *RemoteAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	url := fmt.Sprintf("%s/attest/%s", p.Address, hex.EncodeToString(reportData[:]))
	resp, err := http.DefaultClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// DummyAttestationProvider produces a recognisable placeholder for local
// development outside a TEE.
type DummyAttestationProvider struct{}

func (DummyAttestationProvider) AttestationType() AttestationType {
	return DummyAttestation
}

func (DummyAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	return []byte(fmt.Sprintf("dummy attestation %x", reportData)), nil
}

// NodeReportData binds a node id and its transport public key into the
// attestation report data.
func NodeReportData(nodeID string, pub NodePubkey) [64]byte {
	var reportData [64]byte
	idHash := sha256.Sum256([]byte(nodeID))
	keyHash := sha256.Sum256(pub)
	copy(reportData[:32], idHash[:])
	copy(reportData[32:], keyHash[:])
	return reportData
}

// VerifyNodeAttestation checks an attestation over reportData and returns the
// fingerprint of the attested measurements.
func VerifyNodeAttestation(attestationType string, reportData [64]byte, attestation []byte, allowDummy bool) (string, error) {
	attType, err := AttestationTypeFromString(attestationType)
	if err != nil {
		return "", fmt.Errorf("attestation type %q: %w", attestationType, err)
	}

	switch attType {
	case DummyAttestation:
		if !allowDummy {
			return "", ErrDummyAttestation
		}
		expected, _ := DummyAttestationProvider{}.Attest(reportData)
		if !bytes.Equal(expected, attestation) {
			return "", errors.New("dummy attestation does not match report data")
		}
		return DummyAttestation.StringID, nil
	default:
		measurements, err := VerifyDCAPAttestation(reportData, attestation)
		if err != nil {
			return "", err
		}
		return MeasurementsFingerprint(measurements), nil
	}
}

func VerifyDCAPAttestation(reportData [64]byte, report []byte) (map[int]string, error) {
	protoQuote, err := tdx_abi.QuoteToProto(report)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	if err := verify.TdxQuote(protoQuote, verify.DefaultOptions()); err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}

	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return nil, fmt.Errorf("invalid report data %x, expected %x", v4Quote.TdQuoteBody.ReportData, reportData[:])
	}

	return map[int]string{
		0: hex.EncodeToString(v4Quote.TdQuoteBody.MrTd),
		1: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[0]),
		2: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[1]),
		3: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[2]),
		4: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[3]),
		5: hex.EncodeToString(v4Quote.TdQuoteBody.MrConfigId),
		6: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwner),
		7: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwnerConfig),
	}, nil
}

// MeasurementsFingerprint hashes measurement registers in index order.
func MeasurementsFingerprint(measurements map[int]string) string {
	indices := make([]int, 0, len(measurements))
	for i := range measurements {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	parts := make([]string, 0, len(indices))
	for _, i := range indices {
		parts = append(parts, strconv.Itoa(i)+"="+strings.ToLower(measurements[i]))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(sum[:])
}
