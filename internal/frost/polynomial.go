package frost

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// polynomial is a random polynomial over the scalar field. coeffs[0]
// is the constant term, so a degree T-1 polynomial has T coefficients.
type polynomial struct {
	coeffs []*secp256k1.ModNScalar
}

func newPolynomial(degree int) (*polynomial, error) {
	coeffs := make([]*secp256k1.ModNScalar, degree+1)
	for i := range coeffs {
		coeff, err := randomScalar()
		if err != nil {
			return nil, err
		}
		coeffs[i] = coeff
	}
	return &polynomial{coeffs: coeffs}, nil
}

// evaluate computes f(x) by Horner's rule. x is a participant id and
// must be nonzero, otherwise the evaluation would leak the constant
// term directly.
func (p *polynomial) evaluate(x uint32) *secp256k1.ModNScalar {
	xs := scalarFromID(x)
	result := new(secp256k1.ModNScalar).Set(p.coeffs[len(p.coeffs)-1])
	for i := len(p.coeffs) - 2; i >= 0; i-- {
		result.Mul(xs)
		result.Add(p.coeffs[i])
	}
	return result
}

// commit returns the coefficient commitments [a_k]G.
func (p *polynomial) commit() []*secp256k1.JacobianPoint {
	commitments := make([]*secp256k1.JacobianPoint, len(p.coeffs))
	for i, coeff := range p.coeffs {
		commitments[i] = scalarBaseMult(coeff)
	}
	return commitments
}

// zero wipes the coefficients once shares have been distributed.
func (p *polynomial) zero() {
	for _, coeff := range p.coeffs {
		coeff.Zero()
	}
}

// evalCommitments evaluates a committed polynomial at x in the
// exponent: sum over k of x^k * C_k, again by Horner's rule. This is
// the public image of f(x) and is what received shares are checked
// against.
func evalCommitments(commitments []*secp256k1.JacobianPoint, x uint32) *secp256k1.JacobianPoint {
	xs := scalarFromID(x)
	acc := new(secp256k1.JacobianPoint)
	acc.Set(commitments[len(commitments)-1])
	for i := len(commitments) - 2; i >= 0; i-- {
		acc = addPoints(mulPoint(xs, acc), commitments[i])
	}
	return acc
}
