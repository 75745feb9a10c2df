package homesync

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// the session identity issued by the auth layer. the engine does not
// verify it (the server does); it only needs the ids for origin tagging.
type ByJwt struct {
	UserId        Id
	HouseholdId   Id
	HouseholdName string
	DeviceId      Id
}

func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if householdIdStr, ok := claims["household_id"].(string); ok {
		if householdId, err := ParseId(householdIdStr); err == nil {
			byJwt.HouseholdId = householdId
		}
	}
	if householdName, ok := claims["household_name"].(string); ok {
		byJwt.HouseholdName = householdName
	}
	if deviceIdStr, ok := claims["device_id"].(string); ok {
		if deviceId, err := ParseId(deviceIdStr); err == nil {
			byJwt.DeviceId = deviceId
		}
	}

	return byJwt, nil
}
