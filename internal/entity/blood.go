package entity

type BloodType string

const (
	OMinus  BloodType = "O-"
	OPlus   BloodType = "O+"
	AMinus  BloodType = "A-"
	APlus   BloodType = "A+"
	BMinus  BloodType = "B-"
	BPlus   BloodType = "B+"
	ABMinus BloodType = "AB-"
	ABPlus  BloodType = "AB+"
)

// AllBloodTypes is ordered from the universal donor to the universal recipient.
var AllBloodTypes = []BloodType{OMinus, OPlus, AMinus, APlus, BMinus, BPlus, ABMinus, ABPlus}

func (t BloodType) Valid() bool {
	for _, bt := range AllBloodTypes {
		if bt == t {
			return true
		}
	}

	return false
}

func (t BloodType) String() string {
	return string(t)
}

func ParseBloodType(s string) (BloodType, bool) {
	bt := BloodType(s)
	return bt, bt.Valid()
}
